package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/governor/internal/auth"
	"github.com/AlexKimmel/governor/internal/ratelimit"
	"github.com/AlexKimmel/governor/internal/rules"
)

// Matcher picks the rule governing a request, nil when none applies.
type Matcher interface {
	Match(project, method, path string) *rules.Rule
}

type Options struct {
	Identity *auth.Identity
	Matcher  Matcher
	Limiter  ratelimit.Limiter
	Logger   zerolog.Logger

	// RejectCooldown is slept before answering 429 to slow down clients
	// that retry immediately.
	RejectCooldown time.Duration

	// Sleep blocks for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// SkipPaths are forwarded without identity or rate checks.
	SkipPaths map[string]struct{}

	// OnDecision is called for every governed request.
	OnDecision func(rule string, d ratelimit.Decision)
}

// Governor is the admission gate. Per request it extracts the project, finds
// the governing rule and asks the limiter what to do:
//
//	no rule  -> forward
//	Allow    -> forward
//	Throttle -> sleep, then forward
//	Reject   -> 429, never forwarded
//
// A request without a project gets 400 before any rule or counter is
// touched. Anything going wrong while classifying forwards the request.
func Governor(opts Options) Middleware {
	if opts.Identity == nil {
		opts.Identity = auth.NewIdentity("")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := opts.SkipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			project, ok := opts.Identity.Project(r)
			if !ok {
				opts.Logger.Debug().
					Str("header", opts.Identity.Header()).
					Str("path", r.URL.Path).
					Msg("request did not include a project id")
				writeEmpty(w, http.StatusBadRequest)
				return
			}
			r = r.WithContext(auth.WithProject(r.Context(), project))

			rule, dec, governed := classify(r, project, opts)
			if !governed {
				next.ServeHTTP(w, r)
				return
			}

			switch dec.Action {
			case ratelimit.Reject:
				opts.Logger.Warn().
					Str("project", project).
					Str("rule", rule.Name).
					Str("route", rule.Pattern).
					Float64("hard_limit", rule.HardLimit).
					Float64("count", dec.Count).
					Msg("hit hard limit, rejecting request")
				if opts.RejectCooldown > 0 {
					_ = opts.Sleep(r.Context(), opts.RejectCooldown)
				}
				writeEmpty(w, http.StatusTooManyRequests)
				return

			case ratelimit.Throttle:
				if err := opts.Sleep(r.Context(), dec.Delay); err != nil {
					opts.Logger.Debug().Err(err).
						Str("project", project).
						Str("rule", rule.Name).
						Msg("request canceled while throttled")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// classify runs the matcher and the limiter. governed is false when no rule
// applies or when either of them panicked.
func classify(r *http.Request, project string, opts Options) (rule *rules.Rule, dec ratelimit.Decision, governed bool) {
	defer func() {
		if p := recover(); p != nil {
			name := ""
			if rule != nil {
				name = rule.Name
			}
			opts.Logger.Error().
				Interface("panic", p).
				Str("project", project).
				Str("rule", name).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("admission check failed, forwarding request")
			rule, dec, governed = nil, ratelimit.Decision{}, false
		}
	}()

	rule = opts.Matcher.Match(project, r.Method, r.URL.Path)
	if rule == nil {
		opts.Logger.Debug().
			Str("project", project).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("no rate rule applies, forwarding")
		return nil, ratelimit.Decision{}, false
	}

	dec = opts.Limiter.Admit(r.Context(), project, rule)
	if opts.OnDecision != nil {
		opts.OnDecision(rule.Name, dec)
	}
	return rule, dec, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeEmpty(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(code)
}
