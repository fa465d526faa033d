package auth

import (
	"net/http"
	"sync"
)

// callbackResult carries what the provider redirect delivered: either a
// code/state pair or an error.
type callbackResult struct {
	code  string
	state string
	err   error
}

// CallbackHandler serves the local /callback endpoint for one flow run.
// Exactly one result is accepted and delivered over a single-slot channel;
// the waiter reads it without touching handler fields.
type CallbackHandler struct {
	once    sync.Once
	results chan callbackResult
}

// NewCallbackHandler creates a handler for a single authorization attempt.
func NewCallbackHandler() *CallbackHandler {
	return &CallbackHandler{results: make(chan callbackResult, 1)}
}

// Result returns the channel on which the accepted callback is delivered.
func (h *CallbackHandler) Result() <-chan callbackResult {
	return h.results
}

// deliver hands off at most one result to the waiting flow.
func (h *CallbackHandler) deliver(res callbackResult) {
	h.once.Do(func() { h.results <- res })
}

// ServeHTTP parses the provider redirect. It never lets a panic escape to
// the listener loop: unexpected failures become a stored callback error
// and an HTTP 500.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.deliver(callbackResult{err: &CallbackError{
				Code:        "internal_error",
				Description: "unexpected failure handling the provider redirect",
			}})
			writePage(w, http.StatusInternalServerError, pageInternalError)
		}
	}()

	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		h.deliver(callbackResult{err: &CallbackError{
			Code:        errCode,
			Description: query.Get("error_description"),
		}})
		writePage(w, http.StatusBadRequest, pageProviderError)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.deliver(callbackResult{err: &CallbackError{
			Code:        "malformed_redirect",
			Description: "redirect is missing code or state",
		}})
		writePage(w, http.StatusBadRequest, pageMalformed)
		return
	}

	h.deliver(callbackResult{code: code, state: state})
	writePage(w, http.StatusOK, pageSuccess)
}

func writePage(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

const pageSuccess = `<!DOCTYPE html>
<html><head><title>Authentication complete</title></head>
<body><h1>Authentication complete</h1>
<p>You can close this tab and return to the terminal.</p></body></html>`

const pageProviderError = `<!DOCTYPE html>
<html><head><title>Authentication failed</title></head>
<body><h1>Authentication failed</h1>
<p>The provider reported an error. Return to the terminal for details.</p></body></html>`

const pageMalformed = `<!DOCTYPE html>
<html><head><title>Authentication failed</title></head>
<body><h1>Authentication failed</h1>
<p>The redirect was malformed. Return to the terminal and retry.</p></body></html>`

const pageInternalError = `<!DOCTYPE html>
<html><head><title>Authentication failed</title></head>
<body><h1>Authentication failed</h1>
<p>An unexpected error occurred. Return to the terminal and retry.</p></body></html>`
