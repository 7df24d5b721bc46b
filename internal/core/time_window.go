package core

// TimeWindow represents a configurable time window for filtering usage data.
type TimeWindow string

const (
	TimeWindow1d  TimeWindow = "1d"
	TimeWindow3d  TimeWindow = "3d"
	TimeWindow7d  TimeWindow = "7d"
	TimeWindow30d TimeWindow = "30d"
)

var ValidTimeWindows = []TimeWindow{
	TimeWindow1d,
	TimeWindow3d,
	TimeWindow7d,
	TimeWindow30d,
}

// Hours returns the window size in hours.
func (tw TimeWindow) Hours() int {
	switch tw {
	case TimeWindow1d:
		return 24
	case TimeWindow3d:
		return 3 * 24
	case TimeWindow7d:
		return 7 * 24
	case TimeWindow30d:
		return 30 * 24
	default:
		return 30 * 24
	}
}

// Days returns the window size in days.
func (tw TimeWindow) Days() int {
	return tw.Hours() / 24
}

func (tw TimeWindow) Label() string {
	switch tw {
	case TimeWindow1d:
		return "Today"
	case TimeWindow3d:
		return "3 Days"
	case TimeWindow7d:
		return "7 Days"
	case TimeWindow30d:
		return "30 Days"
	default:
		return "30 Days"
	}
}
