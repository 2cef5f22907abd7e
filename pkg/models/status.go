package models

// URLStatus is the ledger state of one canonical URL
type URLStatus int

const (
	URLUnknown   URLStatus = iota // No ledger record
	URLPending                    // Discovered, waiting to be fetched
	URLCompleted                  // Fetched, filtered or skipped; never reverts
)

var urlStatusNames = [...]string{"unknown", "pending", "completed"}

func (s URLStatus) String() string {
	if s < 0 || int(s) >= len(urlStatusNames) {
		return "invalid"
	}
	return urlStatusNames[s]
}

// Status reports the ledger state implied by r; a nil record is URLUnknown
func (r *URLRecord) Status() URLStatus {
	switch {
	case r == nil:
		return URLUnknown
	case r.Completed:
		return URLCompleted
	}
	return URLPending
}
