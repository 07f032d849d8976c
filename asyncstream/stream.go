package asyncstream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrPlugged is returned by Attach once the stream has been plugged.
var ErrPlugged = errors.New("asyncstream: attach after plugged")

// Observer receives attach/error notifications for metrics and logging.
// Both methods must return promptly; Stream calls them inline.
type Observer interface {
	OnAttach(outcome string)
	OnSubStreamError(fragmentID string, err error)
}

type nopObserver struct{}

func (nopObserver) OnAttach(string)                {}
func (nopObserver) OnSubStreamError(string, error) {}

// NopObserver discards every notification.
var NopObserver Observer = nopObserver{}

// Stream is a single multi-producer byte stream. One reader (Reader)
// consumes everything written by any number of attached sub-streams. Bytes
// from different sub-streams are never interleaved within a single Write
// call, but the relative order between sub-streams is arrival order and is
// otherwise unspecified (spec.md §4.1: "async fragments' bytes appear in
// any order inside the trailing Async section").
type Stream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	writeMu sync.Mutex

	mu      sync.Mutex
	plugged bool
	pending int
	errs    error

	obs    Observer
	logger *zap.Logger
}

// New constructs an empty, unplugged Stream.
func New(obs Observer, logger *zap.Logger) *Stream {
	if obs == nil {
		obs = NopObserver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pr, pw := io.Pipe()
	return &Stream{
		pr:     pr,
		pw:     pw,
		obs:    obs,
		logger: logger.With(zap.String("component", "asyncstream")),
	}
}

// Reader returns the single reader that yields every attached sub-stream's
// bytes. It must be read to completion (or closed) by the caller; the
// Stream's own goroutines block on the pipe until it is.
func (s *Stream) Reader() io.Reader { return s.pr }

// Attach registers a sub-stream (an async fragment's body) for inclusion in
// the trailing Async section. It returns ErrPlugged if Plug has already been
// called — per spec.md's Open Question resolution, a late attachment is
// rejected rather than silently accepted or silently dropped. If the
// sub-stream's Read ultimately fails, the failure is represented inline as an
// HTML comment marker rather than aborting the whole stream (spec.md §4.2).
func (s *Stream) Attach(fragmentID string, r io.Reader) error {
	s.mu.Lock()
	if s.plugged {
		s.mu.Unlock()
		s.obs.OnAttach("rejected_after_plugged")
		s.logger.Warn("rejecting async attachment after plugged", zap.String("fragment_id", fragmentID))
		return ErrPlugged
	}
	s.pending++
	s.mu.Unlock()
	s.obs.OnAttach("attached")

	go s.drain(fragmentID, r)
	return nil
}

func (s *Stream) drain(fragmentID string, r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.writeMu.Lock()
			_, werr := s.pw.Write(buf[:n])
			s.writeMu.Unlock()
			if werr != nil {
				readErr = werr
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	if readErr != nil {
		s.obs.OnSubStreamError(fragmentID, readErr)
		s.logger.Warn("async sub-stream failed", zap.String("fragment_id", fragmentID), zap.Error(readErr))
		marker := fmt.Sprintf("<!-- fragment %q failed to load: %v -->", fragmentID, readErr)
		s.writeMu.Lock()
		s.pw.Write([]byte(marker))
		s.writeMu.Unlock()
	}

	s.mu.Lock()
	if readErr != nil {
		s.errs = multierr.Append(s.errs, fmt.Errorf("fragment %q: %w", fragmentID, readErr))
	}
	s.pending--
	done := s.plugged && s.pending == 0
	s.mu.Unlock()

	if done {
		s.pw.Close()
	}
}

// Plug seals the stream: no further Attach calls are accepted. If no
// sub-streams are attached (or all already finished), the stream closes
// immediately; otherwise it closes once the last attached sub-stream ends.
func (s *Stream) Plug() {
	s.mu.Lock()
	s.plugged = true
	done := s.pending == 0
	s.mu.Unlock()

	if done {
		s.pw.Close()
	}
}

// Errs returns the aggregated (non-fatal) sub-stream errors observed so
// far, or nil if every attached sub-stream has succeeded. These never abort
// the stream; they are for logging/diagnostics only.
func (s *Stream) Errs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// Abort cancels the stream immediately, discarding any pending attachments;
// used on client disconnect (spec.md §4.6 Cancellation).
func (s *Stream) Abort(cause error) {
	if cause == nil {
		cause = errors.New("asyncstream: aborted")
	}
	s.pw.CloseWithError(cause)
}
