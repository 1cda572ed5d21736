// Package selector maps an incoming request to a project name plus
// optional spawn overrides, either via a user-supplied provider callback
// or a declarative, ordered rule list.
package selector

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/types"
)

// ProjectSelector is the injectable capability a host process may supply
// instead of (or layered over) the declarative rule list. Modeled as an
// explicit interface rather than a dynamic callback field.
type ProjectSelector interface {
	Select(r *http.Request) (types.SelectedProject, error)
}

// Error is returned when a provider or rule evaluation fails; the caller
// must respond 403 and never route the request.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Selector evaluates a user Provider first, then falls back to the
// configured rule list, then to the literal "default" project.
type Selector struct {
	mu       sync.RWMutex
	provider ProjectSelector
	rules    []compiledRule
	projects map[string]config.ProjectConfig
}

type compiledRule struct {
	rule            config.SelectRule
	headerPatterns  map[string]*regexp.Regexp
}

// New compiles the configured select rules. Each header predicate value
// is compiled as a regex; if compilation fails, it is treated as a literal
// string match at evaluation time.
func New(rules []config.SelectRule) *Selector {
	s := &Selector{}
	s.SetRules(rules)
	return s
}

// SetProvider installs or clears the user-supplied provider callback.
func (s *Selector) SetProvider(p ProjectSelector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
}

// SetProjects installs the per-project config overlay consulted for the
// sticky-routing hint (ProjectConfig.Strategy/StickyHeader).
func (s *Selector) SetProjects(projects map[string]config.ProjectConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = projects
}

// SetRules compiles a new declarative rule list and replaces the current
// one; it is safe to call while requests are being selected.
func (s *Selector) SetRules(rules []config.SelectRule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}
		if len(r.When.Header) > 0 {
			cr.headerPatterns = make(map[string]*regexp.Regexp, len(r.When.Header))
			for k, v := range r.When.Header {
				if re, err := regexp.Compile(v); err == nil {
					cr.headerPatterns[k] = re
				}
			}
		}
		compiled = append(compiled, cr)
	}
	s.mu.Lock()
	s.rules = compiled
	s.mu.Unlock()
}

// Select runs the selection contract: provider first, then rules in
// declaration order, then "default".
func (s *Selector) Select(r *http.Request) (types.SelectedProject, error) {
	s.mu.RLock()
	provider := s.provider
	rules := s.rules
	projects := s.projects
	s.mu.RUnlock()

	if provider != nil {
		sel, err := provider.Select(r)
		if err != nil {
			return types.SelectedProject{}, &Error{Message: fmt.Sprintf("project selection failed: %v", err)}
		}
		if sel.Project != "" {
			s.applyStickyKey(&sel, r, projects)
			return sel, nil
		}
	}

	for _, cr := range rules {
		matched, err := cr.matches(r)
		if err != nil {
			return types.SelectedProject{}, &Error{Message: fmt.Sprintf("selection rule error: %v", err)}
		}
		if matched {
			sel := types.SelectedProject{
				Project:         cr.rule.Project,
				Source:          cr.rule.Source,
				StripPathPrefix: cr.rule.StripPathPrefix,
			}
			s.applyStickyKey(&sel, r, projects)
			return sel, nil
		}
	}

	sel := types.SelectedProject{Project: "default"}
	s.applyStickyKey(&sel, r, projects)
	return sel, nil
}

// applyStickyKey sets sel.StickyKey when the resolved project's config
// opts into strategy "sticky", hashing the configured header's value so
// repeated requests with the same header carry the same stable hint.
func (s *Selector) applyStickyKey(sel *types.SelectedProject, r *http.Request, projects map[string]config.ProjectConfig) {
	pc, ok := projects[sel.Project]
	if !ok || pc.Strategy != "sticky" || pc.StickyHeader == "" {
		return
	}
	v := r.Header.Get(pc.StickyHeader)
	if v == "" {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(v))
	sel.StickyKey = strconv.FormatUint(uint64(h.Sum32()), 16)
}

func (cr compiledRule) matches(r *http.Request) (bool, error) {
	if cr.rule.Default {
		// A default:true rule is the documented fallback sentinel; it only
		// matches when no `when` predicates are present (pure fallback) or
		// when any present predicates also match, consistent with "first
		// matching rule wins" ordering — callers place it last.
		if isZeroWhen(cr.rule.When) {
			return true, nil
		}
	}
	w := cr.rule.When
	if w.PathPrefix != "" && !strings.HasPrefix(r.URL.Path, w.PathPrefix) {
		return false, nil
	}
	if w.Method != "" && !strings.EqualFold(w.Method, r.Method) {
		return false, nil
	}
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
	}
	if w.HostEquals != "" && host != w.HostEquals {
		return false, nil
	}
	if w.HostPrefix != "" && !strings.HasPrefix(host, w.HostPrefix) {
		return false, nil
	}
	if w.HostSuffix != "" && !strings.HasSuffix(host, w.HostSuffix) {
		return false, nil
	}
	for k, v := range w.Header {
		actual := r.Header.Get(k)
		if re, ok := cr.headerPatterns[k]; ok {
			if !re.MatchString(actual) {
				return false, nil
			}
			continue
		}
		if actual != v {
			return false, nil
		}
	}
	if isZeroWhen(w) && !cr.rule.Default {
		// A rule with no predicates at all and not marked default never
		// silently matches everything; it must be explicit.
		return false, nil
	}
	return true, nil
}

func isZeroWhen(w config.SelectWhen) bool {
	return w.PathPrefix == "" && w.Method == "" && w.HostEquals == "" &&
		w.HostPrefix == "" && w.HostSuffix == "" && len(w.Header) == 0
}
