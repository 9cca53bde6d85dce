package proto

import "fmt"

// Destination is the closed set of routing tags consumed by conditional edges.
type Destination string

const (
	// Route outcomes.
	DestSimpleTask  Destination = "simple_task"
	DestComplexTask Destination = "complex_task"

	// Classify outcomes.
	DestFixError Destination = "fix_error"
	DestNoError  Destination = "no_error"
)

// RouteDestinations are the values Route may produce.
var RouteDestinations = []Destination{DestSimpleTask, DestComplexTask}

// ClassifyDestinations are the values Classify may produce.
var ClassifyDestinations = []Destination{DestFixError, DestNoError}

// ParseDestination accepts only values in allowed.
func ParseDestination(s string, allowed []Destination) (Destination, error) {
	for _, d := range allowed {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("destination %q not in %v", s, allowed)
}

// Expertise labels the kind of task so generation can pick a behaviour mode.
type Expertise string

const (
	ExpertiseFileSystem      Expertise = "file_system"
	ExpertiseDataAnalysis    Expertise = "data_analysis"
	ExpertiseVisualization   Expertise = "visualization"
	ExpertiseMachineLearning Expertise = "machine_learning"
	ExpertiseGeneral         Expertise = "general"
)

// Expertises lists every valid label.
var Expertises = []Expertise{
	ExpertiseFileSystem,
	ExpertiseDataAnalysis,
	ExpertiseVisualization,
	ExpertiseMachineLearning,
	ExpertiseGeneral,
}

// ParseExpertise validates a label. The empty string maps to general.
func ParseExpertise(s string) (Expertise, error) {
	if s == "" {
		return ExpertiseGeneral, nil
	}
	for _, e := range Expertises {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown expertise %q", s)
}
