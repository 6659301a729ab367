package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
)

var (
	// ErrAnalyzerClosed is returned for frames submitted after Close.
	ErrAnalyzerClosed = errors.New("analyzer closed")
	// ErrAnalyzerBusy is returned when the frame buffer is full; the frame is dropped.
	ErrAnalyzerBusy = errors.New("analyzer busy")
)

// Frame is one camera frame. The analyzer owns it after submission and always closes it.
type Frame interface {
	Barcodes() []string
	Close() error
}

// Recorder persists accepted scans.
type Recorder interface {
	Record(ctx context.Context, studentID, context string, status models.AttendanceStatus, at time.Time) (*models.AttendanceEvent, error)
}

// Result reports what happened to one barcode of a frame.
type Result struct {
	Raw      string
	Decision Decision
	Event    *models.AttendanceEvent
	Err      error
}

// AnalyzerConfig tunes an Analyzer.
type AnalyzerConfig struct {
	Buffer   int
	Clock    func() time.Time
	Logger   *zap.Logger
	OnResult func(Result)
}

type frameRequest struct {
	frame Frame
	reply chan []Result
}

// Analyzer serialises all gate decisions for a session on one consumer goroutine, so the
// cooldown ordering holds even when frames arrive from several callbacks.
type Analyzer struct {
	session  *Session
	recorder Recorder
	clock    func() time.Time
	logger   *zap.Logger
	onResult func(Result)

	frames   chan frameRequest
	writeCtx context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	processed atomic.Int64
}

// NewAnalyzer starts the consumer goroutine. Cancelling parent has the same effect as Close
// except that Close also waits for the consumer to finish.
func NewAnalyzer(parent context.Context, session *Session, recorder Recorder, cfg AnalyzerConfig) *Analyzer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	a := &Analyzer{
		session:  session,
		recorder: recorder,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		onResult: cfg.OnResult,
		frames:   make(chan frameRequest, cfg.Buffer),
		// accepted writes finish even when capture is torn down mid-frame
		writeCtx: context.WithoutCancel(parent),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Session returns the session the analyzer gates.
func (a *Analyzer) Session() *Session { return a.session }

// Processed returns the number of frames handled so far.
func (a *Analyzer) Processed() int64 { return a.processed.Load() }

// Submit hands a frame to the analyzer without waiting for the outcome.
func (a *Analyzer) Submit(frame Frame) error {
	return a.enqueue(frameRequest{frame: frame})
}

// Process hands a frame to the analyzer and waits for its results.
func (a *Analyzer) Process(ctx context.Context, frame Frame) ([]Result, error) {
	req := frameRequest{frame: frame, reply: make(chan []Result, 1)}
	if err := a.enqueue(req); err != nil {
		return nil, err
	}
	select {
	case results, ok := <-req.reply:
		if !ok {
			return nil, ErrAnalyzerClosed
		}
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Analyzer) enqueue(req frameRequest) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || a.ctx.Err() != nil {
		a.drop(req)
		return ErrAnalyzerClosed
	}
	select {
	case a.frames <- req:
		return nil
	default:
		a.drop(req)
		return ErrAnalyzerBusy
	}
}

// Close stops intake, lets the frame in progress (and its ledger write) complete, drops queued
// frames and discards the session. It is safe to call more than once.
func (a *Analyzer) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.cancel()
	a.mu.Unlock()

	<-a.done
	a.session.Close()
}

func (a *Analyzer) run() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			a.drain()
			return
		case req := <-a.frames:
			a.handle(req)
		}
	}
}

func (a *Analyzer) drain() {
	for {
		select {
		case req := <-a.frames:
			a.drop(req)
		default:
			return
		}
	}
}

func (a *Analyzer) drop(req frameRequest) {
	if err := req.frame.Close(); err != nil {
		a.logger.Debug("frame close failed", zap.Error(err))
	}
	if req.reply != nil {
		close(req.reply)
	}
}

func (a *Analyzer) handle(req frameRequest) {
	defer func() {
		if err := req.frame.Close(); err != nil {
			a.logger.Debug("frame close failed", zap.Error(err))
		}
		a.processed.Add(1)
	}()

	if a.ctx.Err() != nil {
		if req.reply != nil {
			close(req.reply)
		}
		return
	}

	barcodes := req.frame.Barcodes()
	results := make([]Result, 0, len(barcodes))
	for _, raw := range barcodes {
		now := a.clock()
		res := Result{Raw: raw, Decision: Accept(raw, now, a.session)}
		if res.Decision.Accepted {
			res.Event, res.Err = a.recorder.Record(a.writeCtx, res.Decision.SubjectID, a.session.Context(), a.session.StatusAt(now), now)
			if res.Err != nil {
				a.logger.Warn("scan record failed",
					zap.String("session_id", a.session.ID()),
					zap.String("subject_id", res.Decision.SubjectID),
					zap.Error(res.Err))
			}
		} else {
			a.logger.Debug("scan rejected",
				zap.String("session_id", a.session.ID()),
				zap.String("reason", string(res.Decision.Reason)))
		}
		if a.onResult != nil {
			a.onResult(res)
		}
		results = append(results, res)
	}
	if req.reply != nil {
		req.reply <- results
	}
}

// TextFrame is a frame whose barcodes were already extracted, e.g. posted by a kiosk.
type TextFrame struct {
	payloads []string
	closed   atomic.Bool
}

// NewTextFrame wraps decoded barcode texts as a frame.
func NewTextFrame(payloads ...string) *TextFrame {
	return &TextFrame{payloads: payloads}
}

func (f *TextFrame) Barcodes() []string { return f.payloads }

func (f *TextFrame) Close() error {
	f.closed.Store(true)
	return nil
}

// IsClosed reports whether the analyzer released the frame.
func (f *TextFrame) IsClosed() bool { return f.closed.Load() }
