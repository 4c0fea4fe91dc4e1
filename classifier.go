package ddosguard

import (
	"sort"
	"time"
)

// RequestFeatures is the per-request feature vector handed to the anomaly
// classifier. RequestFrequency is the client's window count at decision time.
type RequestFeatures struct {
	ClientID         string    `json:"client_id"`
	Path             string    `json:"path"`
	Method           string    `json:"method"`
	UserAgent        string    `json:"user_agent"`
	BytesSent        int       `json:"bytes_sent"`
	RequestFrequency float64   `json:"request_frequency"`
	Timestamp        time.Time `json:"timestamp"`
}

// AnomalyVerdict is the classifier's per-request verdict.
type AnomalyVerdict struct {
	IsAnomaly          bool    `json:"is_anomaly"`
	AnomalyProbability float64 `json:"anomaly_probability"`
}

// AttackClassification labels the traffic pattern of a request.
type AttackClassification struct {
	AttackType string  `json:"attack_type"`
	Confidence float64 `json:"confidence"`
}

// ClusterRequest is one observation fed to cluster identification.
type ClusterRequest struct {
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  int       `json:"severity"`
}

// AttackCluster groups requests that plausibly belong to one coordinated
// source.
type AttackCluster struct {
	Label    int              `json:"label"`
	Requests []ClusterRequest `json:"requests"`
}

// ClusterReport is the result of cluster identification over recent
// enforcement activity.
type ClusterReport struct {
	Clusters      []AttackCluster `json:"clusters"`
	NumClusters   int             `json:"num_clusters"`
	TotalRequests int             `json:"total_requests"`
}

// AnomalyClassifier is an external collaborator; the pipeline only calls it
// and never depends on its detection quality. Errors are treated as "no
// anomaly" at every call site.
type AnomalyClassifier interface {
	DetectAnomaly(features RequestFeatures) (AnomalyVerdict, error)
	ClassifyAttackType(features RequestFeatures) (AttackClassification, error)
	IdentifyAttackClusters(requests []ClusterRequest) (ClusterReport, error)
}

// HeuristicClassifier is the built-in frequency-based stand-in so the
// pipeline runs without an external model service.
type HeuristicClassifier struct {
	// AnomalyFrequency is the per-window request count at which a request
	// is considered anomalous.
	AnomalyFrequency float64
	// ClusterGap is the maximum spacing between consecutive requests kept
	// in the same cluster.
	ClusterGap time.Duration
	// MinClusterSize filters out incidental groupings.
	MinClusterSize int
}

// NewHeuristicClassifier returns a classifier with the default cutoffs.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{
		AnomalyFrequency: 50,
		ClusterGap:       30 * time.Second,
		MinClusterSize:   5,
	}
}

func (h *HeuristicClassifier) DetectAnomaly(features RequestFeatures) (AnomalyVerdict, error) {
	freq := features.RequestFrequency
	if freq < h.AnomalyFrequency {
		return AnomalyVerdict{AnomalyProbability: 0.1}, nil
	}
	probability := 0.5 + freq/(h.AnomalyFrequency*4)
	if probability > 0.9 {
		probability = 0.9
	}
	return AnomalyVerdict{IsAnomaly: true, AnomalyProbability: probability}, nil
}

func (h *HeuristicClassifier) ClassifyAttackType(features RequestFeatures) (AttackClassification, error) {
	switch {
	case features.RequestFrequency >= h.AnomalyFrequency*2:
		return AttackClassification{AttackType: "HTTP_FLOOD", Confidence: 0.8}, nil
	case features.BytesSent > 0 && features.BytesSent < 64 && features.RequestFrequency >= h.AnomalyFrequency:
		return AttackClassification{AttackType: "SLOW_LORIS", Confidence: 0.6}, nil
	case features.RequestFrequency >= h.AnomalyFrequency:
		return AttackClassification{AttackType: "TCP_SYN_FLOOD", Confidence: 0.5}, nil
	default:
		return AttackClassification{AttackType: "UNKNOWN", Confidence: 0.3}, nil
	}
}

// IdentifyAttackClusters groups requests by time proximity: consecutive
// requests closer than ClusterGap land in the same cluster, and clusters
// below MinClusterSize are discarded.
func (h *HeuristicClassifier) IdentifyAttackClusters(requests []ClusterRequest) (ClusterReport, error) {
	report := ClusterReport{TotalRequests: len(requests)}
	if len(requests) == 0 {
		return report, nil
	}

	sorted := make([]ClusterRequest, len(requests))
	copy(sorted, requests)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	current := []ClusterRequest{sorted[0]}
	flush := func() {
		if len(current) >= h.MinClusterSize {
			report.Clusters = append(report.Clusters, AttackCluster{
				Label:    len(report.Clusters),
				Requests: current,
			})
		}
	}
	for _, req := range sorted[1:] {
		last := current[len(current)-1]
		if req.Timestamp.Sub(last.Timestamp) <= h.ClusterGap {
			current = append(current, req)
			continue
		}
		flush()
		current = []ClusterRequest{req}
	}
	flush()

	report.NumClusters = len(report.Clusters)
	return report, nil
}
