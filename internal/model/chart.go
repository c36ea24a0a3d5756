package model

// Breakpoint is an (amplitude, color) pair marking a threshold tier boundary.
type Breakpoint struct {
	Value    float64 `json:"value"`
	Color    Color   `json:"color"`
	Severity string  `json:"severity,omitempty"`
}

// LookupTable is a renderer color lookup table keyed on the y value.
type LookupTable struct {
	Steps       []Breakpoint `json:"steps"`
	Interpolate bool         `json:"interpolate"`
	Property    string       `json:"lookUpProperty"`
}

// ConstantLine is a fixed horizontal reference line on the amplitude axis.
type ConstantLine struct {
	Value     float64 `json:"value"`
	Color     Color   `json:"color"`
	Thickness float64 `json:"thickness"`
	Draggable bool    `json:"draggable"`
}

// XAxisConfig describes the scrolling time axis.
type XAxisConfig struct {
	ScrollStrategy string `json:"scrollStrategy"` // "progressive"
	TickStrategy   string `json:"tickStrategy"`   // "DateTime"
	IntervalMs     int64  `json:"intervalMs"`     // visible window width
}

// ChartConfig is the static renderer configuration sent once at session start.
type ChartConfig struct {
	Title         string         `json:"title"`
	Theme         string         `json:"theme"`
	Selector      string         `json:"selector"`
	XAxis         XAxisConfig    `json:"xAxis"`
	YAxisTitle    string         `json:"yAxisTitle"`
	LineThickness float64        `json:"lineThickness"`
	LineLUT       LookupTable    `json:"lineLut"`
	AxisLUT       LookupTable    `json:"axisLut"`
	ConstantLines []ConstantLine `json:"constantLines"`
}
