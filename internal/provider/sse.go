package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// maxLineBytes caps a single upstream SSE line. Chunks carrying large
// tool-call payloads can exceed bufio's 64KB default.
const maxLineBytes = 1 << 20

// readDataLines scans an upstream SSE body and calls fn with the payload
// of every "data: " line. Other lines (event names, comments, blanks) are
// skipped. Scanning stops when fn returns false or the body ends.
func readDataLines(r io.Reader, fn func(data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if !fn(data) {
			return nil
		}
	}
	return scanner.Err()
}

// send delivers ev unless ctx is canceled first. It reports whether the
// event was delivered.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// idleTimer cancels a stream when the upstream stays silent for longer
// than timeout while a read is pending. Time spent handing events
// downstream is not counted.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleTimer(timeout time.Duration, cancel context.CancelFunc) *idleTimer {
	it := &idleTimer{timeout: timeout}
	it.timer = time.AfterFunc(timeout, func() {
		it.fired.Store(true)
		cancel()
	})
	it.timer.Stop()
	return it
}

func (it *idleTimer) arm()          { it.timer.Reset(it.timeout) }
func (it *idleTimer) disarm()       { it.timer.Stop() }
func (it *idleTimer) expired() bool { return it.fired.Load() }

type idleReader struct {
	r  io.Reader
	it *idleTimer
}

func (ir idleReader) Read(p []byte) (int, error) {
	ir.it.arm()
	defer ir.it.disarm()
	return ir.r.Read(p)
}

// upstream is an open streaming response. Every read of body, and the wait
// for the response headers, is bounded by the adapter timeout.
type upstream struct {
	body   io.ReadCloser
	idle   *idleTimer
	cancel context.CancelFunc
}

// openStream sends req and checks its status. The returned upstream must
// be closed by the reader goroutine.
func openStream(ctx context.Context, client *http.Client, req *http.Request, timeout time.Duration) (*upstream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	idle := newIdleTimer(timeout, cancel)

	idle.arm()
	resp, err := client.Do(req.WithContext(streamCtx))
	idle.disarm()
	if err != nil {
		cancel()
		if idle.expired() {
			return nil, idle.timeoutError(err)
		}
		return nil, mapTransportError(err)
	}

	resp.Body = struct {
		io.Reader
		io.Closer
	}{idleReader{r: resp.Body, it: idle}, resp.Body}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		return nil, mapStatusError(resp)
	}
	return &upstream{body: resp.Body, idle: idle, cancel: cancel}, nil
}

func (u *upstream) Close() {
	u.idle.disarm()
	_ = u.body.Close()
	u.cancel()
}

// readError classifies a failed body read. A read cut off by the idle
// timer is a timeout even though it surfaces as a canceled context.
func (u *upstream) readError(err error) *Error {
	if u.idle.expired() {
		return u.idle.timeoutError(err)
	}
	return mapTransportError(err)
}

func (it *idleTimer) timeoutError(cause error) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: "Provider request timed out",
		Status:  http.StatusGatewayTimeout,
		Err:     fmt.Errorf("no data from upstream for %s: %w", it.timeout, cause),
	}
}
