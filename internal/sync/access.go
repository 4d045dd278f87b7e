package sync

// Access tells the engine which Notion credentials it may use to reach a page. It is either a
// KnownCredential or a CandidateCredentials list.
type Access interface {
	isAccess()
}

// KnownCredential is the ID of the credential that owns the page.
type KnownCredential string

// CandidateCredentials are credential IDs to try in order until one can read the page.
type CandidateCredentials []string

func (KnownCredential) isAccess()      {}
func (CandidateCredentials) isAccess() {}

// candidates returns the credential IDs to try, in order. A credential recorded on the cached
// row takes precedence over the access the caller passed.
func candidates(access Access, cachedCredential string) []string {
	if cachedCredential != "" {
		return []string{cachedCredential}
	}

	switch a := access.(type) {
	case KnownCredential:
		if a != "" {
			return []string{string(a)}
		}
	case CandidateCredentials:
		ids := make([]string, 0, len(a))
		for _, id := range a {
			if id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}
