package auth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"go.uber.org/zap"
)

const (
	// DefaultCallbackPort is where the local callback server starts
	// scanning for a free port.
	DefaultCallbackPort = 8080

	// DefaultPortAttempts bounds the sequential port scan.
	DefaultPortAttempts = 20

	// DefaultFlowTimeout bounds how long Run waits for the user to finish
	// the browser step.
	DefaultFlowTimeout = 120 * time.Second
)

// FindAvailablePort scans sequentially from start, probing each candidate
// by binding a throwaway listener. The probe is closed before the real
// server binds the same port; the check-then-bind race is accepted for
// this human-paced flow.
func FindAvailablePort(start, attempts int) (int, error) {
	for port := start; port < start+attempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, &PortUnavailableError{Start: start, Attempts: attempts}
}

// FlowOptions adjusts a single interactive authorization run.
type FlowOptions struct {
	// Timeout bounds the wait for the browser callback. Zero means
	// DefaultFlowTimeout.
	Timeout time.Duration

	// Port is the preferred callback port. Zero means DefaultCallbackPort.
	Port int

	// PortAttempts bounds the port scan. Zero means DefaultPortAttempts.
	PortAttempts int

	// OpenBrowser launches the user's browser. Nil means browser.OpenURL.
	// Failure to open is non-fatal: the URL is printed for manual use.
	OpenBrowser func(url string) error

	// Out receives the authorization URL and user-facing hints. Nil means
	// os.Stdout.
	Out io.Writer
}

// Flow orchestrates one interactive authentication: it starts a local
// callback server, builds the authorization URL, opens a browser, waits
// for the redirect, exchanges the code, and stores the resulting record.
// A Flow serves a single Run call.
type Flow struct {
	account  string
	provider Provider
	tokens   *Manager
	log      *zap.SugaredLogger
	journal  Journal
	opts     FlowOptions
}

// NewFlow builds a flow for the account. The journal may be nil.
func NewFlow(account string, p Provider, tokens *Manager, log *zap.SugaredLogger, journal Journal, opts FlowOptions) *Flow {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFlowTimeout
	}
	if opts.Port <= 0 {
		opts.Port = DefaultCallbackPort
	}
	if opts.PortAttempts <= 0 {
		opts.PortAttempts = DefaultPortAttempts
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = browser.OpenURL
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Flow{
		account:  account,
		provider: p,
		tokens:   tokens,
		log:      log,
		journal:  journal,
		opts:     opts,
	}
}

// Run executes the flow. The local server is stopped on every exit path,
// including timeout and context cancellation.
func (f *Flow) Run(ctx context.Context) (*TokenRecord, error) {
	flowID := uuid.NewString()

	port, err := FindAvailablePort(f.opts.Port, f.opts.PortAttempts)
	if err != nil && f.opts.Port != DefaultCallbackPort {
		// Configured port range exhausted; rescan from the canonical
		// default before giving up.
		port, err = FindAvailablePort(DefaultCallbackPort, f.opts.PortAttempts)
	}
	if err != nil {
		f.record(ctx, flowID, "server_start", OutcomeFailed, "no port available")
		return nil, err
	}

	handler := NewCallbackHandler()
	mux := http.NewServeMux()
	mux.Handle("/callback", handler)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		f.record(ctx, flowID, "server_start", OutcomeFailed, "bind failed")
		return nil, &PortUnavailableError{Start: port, Attempts: 1}
	}

	server := &http.Server{Handler: mux}
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = server.Serve(ln)
	}()
	defer func() {
		_ = server.Close()
		<-serveDone
	}()

	f.log.Infow("callback server started", "flow_id", flowID, "port", port)
	f.record(ctx, flowID, "server_start", OutcomeOK, fmt.Sprintf("port %d", port))

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	f.provider.SetRedirectURI(fmt.Sprintf("http://localhost:%d/callback", port))

	authURL, err := f.provider.AuthURL(state)
	if err != nil {
		f.record(ctx, flowID, "auth_url", OutcomeFailed, errorClass(err))
		return nil, err
	}

	if err := f.opts.OpenBrowser(authURL); err != nil {
		f.log.Warnw("opening browser failed", "flow_id", flowID, "error", err)
		fmt.Fprintf(f.opts.Out, "Could not open a browser. Visit this URL to continue:\n\n  %s\n\n", authURL)
	}

	var res callbackResult
	select {
	case res = <-handler.Result():
	case <-time.After(f.opts.Timeout):
		f.record(ctx, flowID, "callback", OutcomeFailed, "timeout")
		return nil, &TimeoutError{After: f.opts.Timeout}
	case <-ctx.Done():
		f.record(context.WithoutCancel(ctx), flowID, "callback", OutcomeFailed, "canceled")
		return nil, ctx.Err()
	}

	if res.err != nil {
		f.record(ctx, flowID, "callback", OutcomeFailed, errorClass(res.err))
		return nil, res.err
	}
	if res.state != state {
		f.record(ctx, flowID, "callback", OutcomeFailed, "state_mismatch")
		return nil, &StateMismatchError{}
	}
	f.record(ctx, flowID, "callback", OutcomeOK, "")

	rec, err := f.provider.Exchange(ctx, res.code, res.state)
	if err != nil {
		f.record(ctx, flowID, "exchange", OutcomeFailed, errorClass(err))
		return nil, err
	}
	f.record(ctx, flowID, "exchange", OutcomeOK, "")

	if err := f.tokens.Save(f.account, rec); err != nil {
		f.record(ctx, flowID, "save", OutcomeFailed, "persist failed")
		return nil, err
	}
	f.record(ctx, flowID, "save", OutcomeOK, "")
	f.log.Infow("authorization complete", "flow_id", flowID,
		"account", f.account, "provider", f.provider.Name())

	return rec, nil
}

// record writes a journal event, swallowing journal failures.
func (f *Flow) record(ctx context.Context, flowID, name, outcome, detail string) {
	if f.journal == nil {
		return
	}
	ev := Event{
		FlowID:   flowID,
		Account:  f.account,
		Provider: f.provider.Name(),
		Name:     name,
		Outcome:  outcome,
		Detail:   detail,
	}
	if err := f.journal.Record(ctx, ev); err != nil && f.log != nil {
		f.log.Debugw("journal write failed", "event", name, "error", err)
	}
}
