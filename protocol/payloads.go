package protocol

import (
	"encoding/json"
	"strconv"
)

// Initialize payload.
type InitializeData struct {
	SearchSpace json.RawMessage `json:"searchSpace"`
}

// RequestTrialJobs payload.
type RequestData struct {
	Count int `json:"count"`
}

// ReportMetricData payload.
type MetricData struct {
	TrialJobID  string `json:"trialJobId"`
	ParameterID string `json:"parameterId"`
	Type        string `json:"type"`
	Sequence    int    `json:"sequence"`
	Value       string `json:"value"`
}

// TrialEnd payload.
type TrialEndData struct {
	TrialJobID  string `json:"trialJobId"`
	ParameterID string `json:"parameterId"`
	Status      string `json:"status"`
}

// ImportData payload: previously observed (parameters, value) pairs.
type ImportedTrial struct {
	Parameters map[string]interface{} `json:"parameter"`
	Value      json.RawMessage        `json:"value"`
}

const (
	SourceAlgorithm  = "algorithm"
	SourceCustomized = "customized"
)

// NewTrialJob payload: one configuration to run.
type TrialConfig struct {
	ParameterID     string                 `json:"parameterId"`
	ParameterSource string                 `json:"parameterSource"`
	Parameters      map[string]interface{} `json:"parameters"`
}

// BestFinalMetric payload. Value is formatted with strconv so non-finite
// values survive JSON.
type BestMetric struct {
	ParameterID string                 `json:"parameterId"`
	TrialJobID  string                 `json:"trialJobId"`
	Value       string                 `json:"value"`
	Parameters  map[string]interface{} `json:"parameters"`
}

func FormatValue(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func (b BestMetric) Float() (float64, error) {
	return strconv.ParseFloat(b.Value, 64)
}
