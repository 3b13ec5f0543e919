package jobbus

import (
	"fmt"
	"time"
)

func pendingKey(queue string) string      { return fmt.Sprintf("queue:%s:pending", queue) }
func delayedKey(queue string) string      { return fmt.Sprintf("queue:%s:delayed", queue) }
func activeKey(queue string) string       { return fmt.Sprintf("queue:%s:active", queue) }
func dlqIndexKey(queue string) string     { return fmt.Sprintf("queue:%s:dlq", queue) }
func jobKeyPrefix(queue string) string    { return fmt.Sprintf("queue:%s:jobs:", queue) }
func jobKey(queue, id string) string      { return jobKeyPrefix(queue) + id }
func dlqEntryKey(queue, id string) string { return fmt.Sprintf("queue:%s:dlq:%s", queue, id) }
func idempotencyKey(key string) string    { return fmt.Sprintf("idemp:%s", key) }

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
