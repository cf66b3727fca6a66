package models

// PayloadShape identifies which envelope a competitor payload arrived in.
type PayloadShape int

const (
	ShapeUnrecognized PayloadShape = iota
	ShapeArray
	ShapeResults
	ShapeItems
	ShapeCompetitionItems
)

func (s PayloadShape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeResults:
		return "results"
	case ShapeItems:
		return "items"
	case ShapeCompetitionItems:
		return "competition_items"
	default:
		return "unrecognized"
	}
}
