package figure

import "encoding/json"

// Figure is a plotly.js figure document
type Figure struct {
	Data   []Trace `json:"data"`
	Layout Layout  `json:"layout"`
}

// Trace is one plotly trace. Only the attributes the dashboards use are modelled.
type Trace struct {
	Type          string    `json:"type"`
	Name          string    `json:"name,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	X             []string  `json:"x,omitempty"`
	Y             []float64 `json:"y,omitempty"`
	Labels        []string  `json:"labels,omitempty"`
	Values        []float64 `json:"values,omitempty"`
	Opacity       float64   `json:"opacity,omitempty"`
	OffsetGroup   string    `json:"offsetgroup,omitempty"`
	HoverTemplate string    `json:"hovertemplate,omitempty"`
	TextInfo      string    `json:"textinfo,omitempty"`
	Hole          float64   `json:"hole,omitempty"`
	YAxis         string    `json:"yaxis,omitempty"`
	Marker        *Marker   `json:"marker,omitempty"`
}

// Marker styles bars and pie slices
type Marker struct {
	Color string `json:"color,omitempty"`
}

// Layout is the plotly layout object
type Layout struct {
	Title       *Text        `json:"title,omitempty"`
	XAxis       *Axis        `json:"xaxis,omitempty"`
	YAxis       *Axis        `json:"yaxis,omitempty"`
	YAxis2      *Axis        `json:"yaxis2,omitempty"`
	BarMode     string       `json:"barmode,omitempty"`
	BarGroupGap float64      `json:"bargroupgap,omitempty"`
	Legend      *Legend      `json:"legend,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Margin      *Margin      `json:"margin,omitempty"`
}

// Text is a plotly title object
type Text struct {
	Text string `json:"text"`
}

// Axis is a plotly axis; Visible is a pointer because false must be emitted
type Axis struct {
	Title         *Text    `json:"title,omitempty"`
	Visible       *bool    `json:"visible,omitempty"`
	ShowGrid      bool     `json:"showgrid,omitempty"`
	TickLabelMode string   `json:"ticklabelmode,omitempty"`
	DTick         any      `json:"dtick,omitempty"`
	Range         []string `json:"range,omitempty"`
	TickSuffix    string   `json:"ticksuffix,omitempty"`
	Side          string   `json:"side,omitempty"`
	Overlaying    string   `json:"overlaying,omitempty"`
}

// Legend holds the legend title
type Legend struct {
	Title *Text `json:"title,omitempty"`
}

// Annotation is a free text label placed on the paper
type Annotation struct {
	Text      string  `json:"text"`
	XRef      string  `json:"xref"`
	YRef      string  `json:"yref"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ShowArrow bool    `json:"showarrow"`
	Font      *Font   `json:"font,omitempty"`
}

// Font sets annotation text size
type Font struct {
	Size int `json:"size"`
}

// Margin is the plot margin in pixels
type Margin struct {
	L int `json:"l"`
	R int `json:"r"`
	T int `json:"t"`
	B int `json:"b"`
}

// New builds a figure from traces with an empty layout
func New(traces ...Trace) *Figure {
	return &Figure{Data: append([]Trace{}, traces...)}
}

// Bar is a bar trace over date labels
func Bar(name string, x []string, y []float64) Trace {
	return Trace{Type: "bar", Name: name, X: x, Y: y}
}

// Line is a lines-only scatter trace
func Line(name string, x []string, y []float64) Trace {
	return Trace{Type: "scatter", Mode: "lines", Name: name, X: x, Y: y}
}

// Pie is a pie trace showing percent and label
func Pie(labels []string, values []float64) Trace {
	return Trace{Type: "pie", Labels: labels, Values: values, TextInfo: "percent+label"}
}

// Title sets the figure title
func (f *Figure) Title(title string) *Figure {
	f.Layout.Title = &Text{Text: title}
	return f
}

// Titled returns an axis with the given title
func Titled(title string) *Axis {
	return &Axis{Title: &Text{Text: title}}
}

// IsEmpty reports whether f is the no-data placeholder
func (f *Figure) IsEmpty() bool {
	return len(f.Data) == 0
}

// JSON encodes the figure
func (f *Figure) JSON() ([]byte, error) {
	return json.Marshal(f)
}

// NoData is the placeholder shown when a query returned no rows
func NoData() *Figure {
	hidden := false
	return &Figure{
		Data: []Trace{},
		Layout: Layout{
			XAxis: &Axis{Visible: &hidden},
			YAxis: &Axis{Visible: &hidden},
			Annotations: []Annotation{{
				Text: "No data available",
				XRef: "paper",
				YRef: "paper",
				X:    0.5,
				Y:    0.5,
				Font: &Font{Size: 20},
			}},
		},
	}
}
