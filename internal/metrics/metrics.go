package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	StepsConfirmed       Counter
	StepsFailed          Counter
	PlansCompleted       Counter
	PlansAborted         Counter
	DeleveragesTriggered Counter
	HealthWarnings       Counter
	StaleReads           Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		StepsConfirmed:       n,
		StepsFailed:          n,
		PlansCompleted:       n,
		PlansAborted:         n,
		DeleveragesTriggered: n,
		HealthWarnings:       n,
		StaleReads:           n,
	}
}
