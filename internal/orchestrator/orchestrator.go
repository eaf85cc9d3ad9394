package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/kirogateway/gateway/internal/credential"
	"github.com/kirogateway/gateway/internal/kiroframe"
	"github.com/kirogateway/gateway/internal/translator"
	"github.com/kirogateway/gateway/internal/util"
)

const (
	// PerCredentialMax and PerRequestMax are the literal bounds from spec
	// §4.6's driving-loop pseudocode.
	PerCredentialMax = 3
	PerRequestMax    = 9
)

// Options tunes the Orchestrator's backoff; zero-value Options gets sane
// defaults via withDefaults.
type Options struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Second
	}
	return o
}

// Orchestrator drives one /v1/messages request across the Credential
// Pool's priority order, per spec §4.6.
type Orchestrator struct {
	pool     *credential.Pool
	upstream Upstream
	meta     translator.Metadata
	opts     Options
}

// New constructs an Orchestrator.
func New(pool *credential.Pool, upstream Upstream, meta translator.Metadata, opts Options) *Orchestrator {
	return &Orchestrator{pool: pool, upstream: upstream, meta: meta.WithCredentialMachineID(""), opts: opts.withDefaults()}
}

// Flusher is the subset of http.Flusher the streaming path needs. Serve does
// not take a Flusher: it receives an http.ResponseWriter and asserts
// http.Flusher on it directly.
type Flusher interface {
	Flush()
}

// Serve drives the retry loop for req and, on success, writes the
// translated response through w (SSE if req.Stream, one JSON document
// otherwise). It returns a typed error (see errors.go) when no credential
// succeeds.
func (o *Orchestrator) Serve(ctx context.Context, req *translator.Request, w http.ResponseWriter) error {
	order := o.pool.SelectionOrder()
	if len(order) == 0 {
		return &ConfigError{Reason: "no enabled credentials in pool"}
	}

	attemptsTotal := 0
	var lastErr error

	for _, credID := range order {
		perCredentialAttempts := 0

		for perCredentialAttempts < PerCredentialMax && attemptsTotal < PerRequestMax {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			lease, err := o.pool.Acquire(ctx, credID)
			if err != nil {
				lastErr = &TransientUpstreamError{Err: err}
				attemptsTotal++
				perCredentialAttempts++
				o.backoff(ctx, perCredentialAttempts)
				continue
			}

			firstByteWritten, err := o.attempt(ctx, req, lease.Credential, w)
			attemptsTotal++
			perCredentialAttempts++

			switch {
			case err == nil:
				o.pool.Report(credID, credential.OutcomeSuccess)
				return nil

			case firstByteWritten:
				// Bytes already reached the client; spec §4.6's streaming
				// caveat forbids retrying past this point.
				o.pool.Report(credID, credential.OutcomeTransient)
				return err

			default:
				lastErr = err
				switch classify(err) {
				case ClassAuthInvalid:
					o.pool.Report(credID, credential.OutcomeAuthInvalid)
					perCredentialAttempts = PerCredentialMax // break inner
				case ClassUpstreamRejected:
					o.pool.Report(credID, credential.OutcomeUpstreamRejected)
					return err
				default:
					o.pool.Report(credID, credential.OutcomeTransient)
					o.backoff(ctx, perCredentialAttempts)
				}
			}
		}
	}

	if lastErr != nil {
		log.Printf("❌ orchestrator: exhausted %d attempts, last error: %v", attemptsTotal, lastErr)
	}
	return &PolicyExhaustedError{AttemptsTotal: attemptsTotal}
}

// attempt performs one upstream call and, on a 2xx response, translates and
// writes the result. The returned bool reports whether any byte was
// already flushed to the client before a failure occurred, so the caller
// knows whether this attempt is still retryable.
func (o *Orchestrator) attempt(ctx context.Context, req *translator.Request, cred credential.Credential, w http.ResponseWriter) (bool, error) {
	meta := o.meta.WithCredentialMachineID(cred.MachineID)
	if meta.MachineID == "" {
		meta.MachineID = credential.DerivedMachineID(cred.RefreshToken)
	}
	fwd, err := translator.Forward(req, cred.ProfileARN, meta)
	if err != nil {
		return false, &UpstreamRejectedError{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}

	resp, err := o.upstream.Call(ctx, cred.AccessToken, fwd.Body, fwd.Headers)
	if err != nil {
		return false, &TransientUpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(resp.Body)
		return false, &AuthInvalidError{Err: errStatus(resp.StatusCode, util.TruncateBytes(body))}
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return false, &TransientUpstreamError{Err: errStatus(resp.StatusCode, util.TruncateBytes(body))}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return false, &UpstreamRejectedError{StatusCode: resp.StatusCode, Body: util.TruncateLog(string(body), util.DefaultLogMaxLen)}
	}

	events := kiroframe.NewEventStream(resp.Body)
	anthropicModel := req.Model

	if !req.Stream {
		translated, err := translator.Collect(anthropicModel, events.Next)
		if err != nil {
			return false, &DecodeError{Err: err}
		}
		return false, writeJSON(w, translated)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		return false, &DecodeError{Err: errors.New("response writer does not support flushing")}
	}

	var firstByteWritten bool
	err = translator.Stream(w, flusher.Flush, anthropicModel, events.Next, &firstByteWritten)
	if err != nil {
		if firstByteWritten {
			// Spec §7: a mid-stream failure after the first downstream byte
			// can't be retried against another credential, so the stream
			// still has to end with a terminal SSE error event rather than
			// just dropping the connection.
			if werr := translator.WriteStreamError(w, flusher.Flush, "api_error", "stream interrupted: "+err.Error()); werr != nil {
				log.Printf("⚠️ orchestrator: failed to write terminal stream error: %v", werr)
			}
			return true, &StreamTerminatedError{Err: err}
		}
		return false, &DecodeError{Err: err}
	}
	return firstByteWritten, nil
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) {
	d := o.opts.BackoffBase << uint(attempt-1)
	if d > o.opts.BackoffCap || d <= 0 {
		d = o.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	select {
	case <-ctx.Done():
	case <-time.After(d/2 + jitter):
	}
}

func errStatus(status int, body string) error {
	return fmt.Errorf("status %d: %s", status, body)
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func classify(err error) Classification {
	switch {
	case errors.As(err, new(*AuthInvalidError)):
		return ClassAuthInvalid
	case errors.As(err, new(*UpstreamRejectedError)):
		return ClassUpstreamRejected
	default:
		return ClassTransient
	}
}
