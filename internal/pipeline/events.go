package pipeline

import "time"

// Event kinds.
const (
	EventPosition    = "position"
	EventPeriodicity = "periodicity"
	EventActivity    = "activity"
)

// Event is a published result in wire form. Exactly one of Position,
// Periodicity and Activity is set, matching Kind.
type Event struct {
	Kind        string        `json:"kind"`
	Position    *PositionView `json:"position,omitempty"`
	Periodicity *Periodicity  `json:"periodicity,omitempty"`
	Activity    *Activity     `json:"activity,omitempty"`
}

// PositionView is an Estimate flattened for JSON.
type PositionView struct {
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Score    float64   `json:"score"`
	Stations int       `json:"stations"`
	At       time.Time `json:"at"`
}

// View flattens e.
func (e Estimate) View() PositionView {
	return PositionView{X: e.Position.X, Y: e.Position.Y, Score: e.Score, Stations: e.Stations, At: e.At}
}

// Subscribe calls fn with every new estimate, periodicity result and motion
// level on the goroutine that produced it, so fn must not block. The
// returned func stops delivery.
func (p *Pipeline) Subscribe(fn func(Event)) (cancel func()) {
	stopE := p.estimates.Observe(func(_, e Estimate) {
		v := e.View()
		fn(Event{Kind: EventPosition, Position: &v})
	})
	stopP := p.periodicity.Observe(func(_, r Periodicity) {
		fn(Event{Kind: EventPeriodicity, Periodicity: &r})
	})
	stopA := p.activity.Observe(func(_, a Activity) {
		fn(Event{Kind: EventActivity, Activity: &a})
	})
	return func() {
		stopE()
		stopP()
		stopA()
	}
}
