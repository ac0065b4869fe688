package media

// Participant is a remote party in a call.
//
// Participants are treated as immutable values: adapters publish a new
// *Participant (via [Participant.With]) on every change so observers can
// detect updates by pointer comparison.
type Participant struct {
	ID           string
	Name         string
	Audio        *Track
	Video        *Track
	Speaking     bool
	AudioEnabled bool
	VideoEnabled bool
}

// With returns a copy of p with fn applied.
func (p *Participant) With(fn func(*Participant)) *Participant {
	var cp Participant
	if p != nil {
		cp = *p
	}
	fn(&cp)
	return &cp
}
