package xglue

// LinearSchedule ramps the learning rate linearly from zero over the warmup
// steps, then decays it linearly to zero at the final step.
type LinearSchedule struct {
	Base        float64 `json:"base"`
	WarmupSteps int     `json:"warmupSteps"`
	TotalSteps  int     `json:"totalSteps"`
}

func NewLinearSchedule(base float64, warmupSteps, totalSteps int) *LinearSchedule {
	return &LinearSchedule{
		Base:        base,
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
	}
}

// Rate returns the learning rate for the given 1-based step.
func (l *LinearSchedule) Rate(step int) float64 {
	if step < l.WarmupSteps {
		return l.Base * float64(step) / float64(max(1, l.WarmupSteps))
	}
	remaining := float64(l.TotalSteps-step) / float64(max(1, l.TotalSteps-l.WarmupSteps))
	if remaining < 0 {
		remaining = 0
	}
	return l.Base * remaining
}
