package logging

import (
	"log/slog"
	"time"
)

// Field names shared by all roles so log queries work across services.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldIP         = "ip"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldActivityID = "activity_id"
	FieldBatchSize  = "batch_size"
	FieldQueueDepth = "queue_depth"
	FieldIndex      = "index"
	FieldDelay      = "delay"
	FieldURL        = "url"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration reports d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func ActivityID(id string) slog.Attr {
	return slog.String(FieldActivityID, id)
}

func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

func QueueDepth(n int) slog.Attr {
	return slog.Int(FieldQueueDepth, n)
}

func Index(i int) slog.Attr {
	return slog.Int(FieldIndex, i)
}

// Delay reports how long a delivery waited between receipt and replay.
func Delay(d time.Duration) slog.Attr {
	return slog.String(FieldDelay, d.String())
}

func URL(u string) slog.Attr {
	return slog.String(FieldURL, u)
}
