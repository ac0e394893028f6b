package auth

// Predicate gates access to a procedure. It must be a pure function of the identity.
type Predicate func(Identity) bool

// Evaluate runs preds in order and reports whether all of them pass. It stops
// at the first failure. An empty list always passes.
func Evaluate(preds []Predicate, id Identity) bool {
	for _, p := range preds {
		if p == nil {
			continue
		}
		if !p(id) {
			return false
		}
	}
	return true
}

// Authenticated passes for any caller with valid credentials.
func Authenticated(id Identity) bool {
	return id.Authenticated()
}

// Superuser passes for authenticated superusers only.
func Superuser(id Identity) bool {
	return id.Authenticated() && id.Superuser
}

// InGroup passes when the caller belongs to at least one of groups.
func InGroup(groups ...string) Predicate {
	return func(id Identity) bool {
		if !id.Authenticated() {
			return false
		}
		if id.Superuser {
			return true
		}
		for _, g := range groups {
			if id.InGroup(g) {
				return true
			}
		}
		return false
	}
}

// InAllGroups passes when the caller belongs to every one of groups.
func InAllGroups(groups ...string) Predicate {
	return func(id Identity) bool {
		if !id.Authenticated() {
			return false
		}
		if id.Superuser {
			return true
		}
		for _, g := range groups {
			if !id.InGroup(g) {
				return false
			}
		}
		return true
	}
}

// HasPermission passes when the caller holds every one of perms.
func HasPermission(perms ...string) Predicate {
	return func(id Identity) bool {
		if !id.Authenticated() {
			return false
		}
		for _, p := range perms {
			if !id.HasPermission(p) {
				return false
			}
		}
		return true
	}
}

// AnyOf passes when at least one of preds passes.
func AnyOf(preds ...Predicate) Predicate {
	return func(id Identity) bool {
		for _, p := range preds {
			if p != nil && p(id) {
				return true
			}
		}
		return false
	}
}

// Not inverts p. Not(nil) is nil, so Evaluate and AnyOf skip it as they
// skip any nil predicate.
func Not(p Predicate) Predicate {
	if p == nil {
		return nil
	}
	return func(id Identity) bool {
		return !p(id)
	}
}
