package project

import "strings"

// =============================================================================
// Identifier Resolution
// =============================================================================

// Resolve maps user-supplied tokens to the services they select. An empty
// token list selects every service in the configuration.
//
// A token containing "/" is parsed strictly as pod/service. A bare token is
// first checked against pod names (selecting every service in the pod) and
// only then against service names project-wide; a bare service name living
// in more than one pod fails with AmbiguousReferenceError rather than
// picking one.
func (c *EffectiveConfiguration) Resolve(tokens []string) ([]*Service, error) {
	if len(tokens) == 0 {
		return c.services, nil
	}
	var out []*Service
	seen := map[string]struct{}{}
	for _, token := range tokens {
		matched, err := c.resolveToken(token)
		if err != nil {
			return nil, err
		}
		for _, svc := range matched {
			if _, dup := seen[svc.Ref()]; dup {
				continue
			}
			seen[svc.Ref()] = struct{}{}
			out = append(out, svc)
		}
	}
	return out, nil
}

// ResolveOne resolves a token that must select exactly one service, as
// required by run, exec, shell, and test. A bare pod name works only when
// the pod holds a single service.
func (c *EffectiveConfiguration) ResolveOne(token string) (*Service, error) {
	matched, err := c.resolveToken(token)
	if err != nil {
		return nil, err
	}
	if len(matched) == 1 {
		return matched[0], nil
	}
	candidates := make([]string, 0, len(matched))
	for _, svc := range matched {
		candidates = append(candidates, svc.Ref())
	}
	return nil, &AmbiguousReferenceError{Token: token, Candidates: candidates}
}

func (c *EffectiveConfiguration) resolveToken(token string) ([]*Service, error) {
	if pod, name, isRef := strings.Cut(token, "/"); isRef {
		svc, ok := c.byRef[pod+"/"+name]
		if !ok {
			return nil, &NotFoundError{Token: token}
		}
		return []*Service{svc}, nil
	}

	if _, ok := c.podIndex[token]; ok {
		return c.PodServices(token), nil
	}

	switch matches := c.byName[token]; len(matches) {
	case 0:
		return nil, &NotFoundError{Token: token}
	case 1:
		return matches, nil
	default:
		candidates := make([]string, 0, len(matches))
		for _, svc := range matches {
			candidates = append(candidates, svc.Ref())
		}
		return nil, &AmbiguousReferenceError{Token: token, Candidates: candidates}
	}
}
