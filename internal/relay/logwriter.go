package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/mrdeploy/internal/pubsub"
)

// LogWriter appends every output channel message to a file, one write per
// line. The file is opened with O_APPEND and never rotated here.
type LogWriter struct {
	f    *os.File
	sub  *pubsub.Subscription
	wg   sync.WaitGroup
	once sync.Once
	err  error
}

// StartLogWriter subscribes to the output channel before returning, so no
// line published afterwards is missed.
func StartLogWriter(hub *pubsub.Hub, path string) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	w := &LogWriter{f: f, sub: hub.Subscribe(TopicOutput)}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *LogWriter) run() {
	defer w.wg.Done()
	for {
		msg, ok := w.sub.Next(context.Background())
		if !ok {
			break
		}
		w.write(msg.Data)
	}
	// lines delivered before the subscription ended are still written
	for {
		select {
		case msg := <-w.sub.C():
			w.write(msg.Data)
		default:
			return
		}
	}
}

func (w *LogWriter) write(line string) {
	if _, err := w.f.Write([]byte(line + "\n")); err != nil && w.err == nil {
		w.err = err
	}
}

// Close stops the subscription, waits for pending writes and closes the file.
func (w *LogWriter) Close() error {
	w.once.Do(func() {
		w.sub.Close()
		w.wg.Wait()
		if err := w.f.Close(); err != nil && w.err == nil {
			w.err = err
		}
	})
	return w.err
}

// DefaultTailLines is the number of lines Tail callers show by default.
const DefaultTailLines = 9999

// Tail returns the last n lines of the file at path. A missing file has no lines.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(append([]string(nil), ring[start:]...), ring[:start]...), nil
}
