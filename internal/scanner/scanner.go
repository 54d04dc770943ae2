// Package scanner reads identity payloads from a serial QR/barcode scanner.
// Each newline-terminated line is one payload.
package scanner

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tablepick/internal/timeutil"
)

// Scanner keeps a serial scanner open and forwards trimmed lines. Tail
// subscribers see every line, including blank ones that are not forwarded.
type Scanner struct {
	path       string
	opts       PortOptions
	open       Opener
	clock      timeutil.Clock
	retryDelay time.Duration

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	statsMu  sync.Mutex
	lines    int
	lastLine time.Time
	lastErr  string
}

// New returns a Scanner for the port at path. open may be nil to use a real
// serial port.
func New(path string, opts PortOptions, open Opener, clock timeutil.Clock, retryDelay time.Duration) *Scanner {
	if open == nil {
		open = OpenSerial
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Scanner{
		path:        path,
		opts:        opts,
		open:        open,
		clock:       clock,
		retryDelay:  retryDelay,
		subscribers: make(map[string]chan string),
	}
}

// Run opens the port and forwards payloads to out until ctx is done. A port
// that fails to open or stops reading is reopened after the retry delay.
func (s *Scanner) Run(ctx context.Context, out chan<- string) error {
	for ctx.Err() == nil {
		port, err := s.open(s.path, s.opts)
		if err != nil {
			s.setErr(err)
			opsf("scanner %s: %v", s.path, err)
		} else {
			diagf("scanner %s open", s.path)
			err = s.monitor(ctx, port, out)
			port.Close()
			if err != nil && ctx.Err() == nil {
				s.setErr(err)
				opsf("scanner %s stopped reading: %v", s.path, err)
			}
		}
		select {
		case <-ctx.Done():
		case <-s.clock.After(s.retryDelay):
		}
	}
	s.closeSubscribers()
	return nil
}

func (s *Scanner) monitor(ctx context.Context, port Port, out chan<- string) error {
	scan := bufio.NewScanner(port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErrChan <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			// Closing the port unblocks the reader.
			port.Close()
			return ctx.Err()
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if err != nil {
						return err
					}
					return fmt.Errorf("port closed")
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			s.broadcast(line)
			payload := strings.TrimSpace(line)
			if payload == "" {
				continue
			}
			s.statsMu.Lock()
			s.lines++
			s.lastLine = s.clock.Now()
			s.statsMu.Unlock()
			select {
			case out <- payload:
				diagf("scanner %s read a payload", s.path)
			case <-ctx.Done():
				port.Close()
				return ctx.Err()
			}
		}
	}
}

func (s *Scanner) setErr(err error) {
	s.statsMu.Lock()
	s.lastErr = err.Error()
	s.statsMu.Unlock()
}

// Stats returns the number of payloads read, when the last one arrived, and
// the most recent error.
func (s *Scanner) Stats() (lines int, last time.Time, lastErr string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lines, s.lastLine, s.lastErr
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every raw line read.
func (s *Scanner) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Scanner) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Scanner) broadcast(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (s *Scanner) closeSubscribers() {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// AttachAdminRoutes adds a live tail of scanner lines under /debug/.
func (s *Scanner) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("scanner", "serial scanner status", func(w http.ResponseWriter, r *http.Request) {
		lines, last, lastErr := s.Stats()
		fmt.Fprintf(w, "port: %s\npayloads: %d\nlast: %v\nlast error: %s\n", s.path, lines, last, lastErr)
	})

	// Server-sent events of raw lines.
	debug.HandleSilentFunc("scanner-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
