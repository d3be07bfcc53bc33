package activity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Header is one name/value pair. It is encoded as the two element JSON array
// [name, value].
type Header struct {
	Name  string
	Value string
}

func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("header must be a [name, value] array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("header must have exactly 2 elements, got %d", len(pair))
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}

// HeaderList is an ordered header multimap. Duplicate names are kept in order
// and lookups ignore case, so multi-valued headers replay exactly.
type HeaderList []Header

// Add appends a header without touching existing entries of the same name.
func (l *HeaderList) Add(name, value string) {
	*l = append(*l, Header{Name: name, Value: value})
}

// Get returns the first value for name.
func (l HeaderList) Get(name string) (string, bool) {
	for _, h := range l {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in list order.
func (l HeaderList) Values(name string) []string {
	var values []string
	for _, h := range l {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

// FromHTTP flattens an http.Header into a HeaderList. net/http does not keep
// the order between different names, so names are sorted; values of one name
// keep their arrival order. host is recorded first under "Host" because
// net/http moves it out of the header map.
func FromHTTP(header http.Header, host string) HeaderList {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make(HeaderList, 0, len(header)+1)
	if host != "" {
		list.Add("Host", host)
	}
	for _, name := range names {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, value := range header[name] {
			list.Add(name, value)
		}
	}
	return list
}

// Apply replays the list onto req. Host is applied to req.Host since net/http
// ignores it in the header map; Content-Length is derived from the body by the
// transport.
func (l HeaderList) Apply(req *http.Request) {
	for _, h := range l {
		switch {
		case strings.EqualFold(h.Name, "Host"):
			req.Host = h.Value
		case strings.EqualFold(h.Name, "Content-Length"):
		default:
			req.Header.Add(h.Name, h.Value)
		}
	}
}
