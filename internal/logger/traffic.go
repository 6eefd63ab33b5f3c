package logger

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// TrafficLog is the optional second log stream carrying every line the
// router forwards. It is lumberjack-backed like the application log but
// kept separate so protocol traffic does not drown operational messages.
type TrafficLog struct {
	mu   sync.Mutex
	sink *lumberjack.Logger
}

// NewTrafficLog opens a rotating traffic log in the given directory.
func NewTrafficLog(directory, filename string) *TrafficLog {
	return &TrafficLog{
		sink: &lumberjack.Logger{
			Filename:   filepath.Join(directory, filename),
			MaxSize:    100, // MB
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Inbound logs a line received from a peer. source is "upstream" or a
// client id.
func (t *TrafficLog) Inbound(source, line string) {
	t.write("<<<", source, line)
}

// Outbound logs a line sent to one or more peers. destination is
// "upstream", "no clients", or a range-compacted client id list.
func (t *TrafficLog) Outbound(destination, line string) {
	t.write(">>>", destination, line)
}

func (t *TrafficLog) write(direction, endpoint, line string) {
	if t == nil {
		return
	}
	entry := fmt.Sprintf("%s %s [%s] %s\n",
		time.Now().Format(time.RFC3339Nano), direction, endpoint, line)
	t.mu.Lock()
	_, _ = t.sink.Write([]byte(entry))
	t.mu.Unlock()
}

// Close closes the underlying file.
func (t *TrafficLog) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink.Close()
}

// CompactIDs renders a client id list as compact ranges, e.g
// [1 2 3 5] -> "1-3,5". Used for traffic log destination lists.
func CompactIDs(ids []int) string {
	if len(ids) == 0 {
		return "no clients"
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, id := range sorted[1:] {
		if id == prev || id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()
	return "clients " + strings.Join(parts, ",")
}
