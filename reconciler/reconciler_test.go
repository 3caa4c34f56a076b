package reconciler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tally/pkg/resource"
)

func scenarioRecords() (tagAPI, serviceAPI resource.Resource) {
	tagAPI = resource.Resource{
		ID: "r-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Tags:       map[string]string{},
		Provenance: []string{"tag-api"},
		Confidence: 0.5,
	}
	serviceAPI = resource.Resource{
		ID: "r-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Tags:       map[string]string{"env": "prod"},
		Attributes: map[string]any{"state": "running"},
		Provenance: []string{"service-api"},
		Confidence: 0.9,
	}
	return tagAPI, serviceAPI
}

func TestReconcile_MergesTwoMethods(t *testing.T) {
	tagAPI, serviceAPI := scenarioRecords()

	for _, input := range [][]resource.Resource{
		{tagAPI, serviceAPI},
		{serviceAPI, tagAPI},
	} {
		result := NewEngine().Reconcile(input)

		require.Len(t, result.Resources, 1)
		r := result.Resources[0]
		assert.Equal(t, "r-1", r.ID)
		assert.Equal(t, map[string]string{"env": "prod"}, r.Tags)
		assert.Equal(t, map[string]any{"state": "running"}, r.Attributes)
		assert.Equal(t, []string{"tag-api", "service-api"}, r.Provenance)
		assert.GreaterOrEqual(t, r.Confidence, 0.9)
		assert.Equal(t, 2, result.Stats.Input)
		assert.Equal(t, 1, result.Stats.Output)
		assert.Equal(t, 1, result.Stats.Merged)
	}
}

func TestReconcile_CompletenessBonus(t *testing.T) {
	base := resource.Resource{
		ID: "i-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Tags:       map[string]string{"env": "prod"},
		Provenance: []string{"service-api"},
		Confidence: 0.8,
	}
	extra := resource.Resource{
		ID: "i-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Tags:       map[string]string{"team": "infra"},
		Provenance: []string{"tag-api"},
		Confidence: 0.5,
	}
	redundant := resource.Resource{
		ID: "i-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Tags:       map[string]string{"env": "dev"},
		Provenance: []string{"scan"},
		Confidence: 0.3,
	}

	result := NewEngine().Reconcile([]resource.Resource{redundant, extra, base})
	require.Len(t, result.Resources, 1)
	r := result.Resources[0]

	// only tag-api added a key the merged record lacked
	assert.InDelta(t, 0.85, r.Confidence, 1e-9)
	assert.Equal(t, map[string]string{"env": "prod", "team": "infra"}, r.Tags)
	assert.Equal(t, []string{"scan", "tag-api", "service-api"}, r.Provenance)
}

func TestReconcile_ConfidenceCapped(t *testing.T) {
	records := []resource.Resource{
		{ID: "x", Type: "T", Service: "S", Confidence: 0.98, Provenance: []string{"service-api"}},
		{ID: "x", Type: "T", Service: "S", Confidence: 0.2, Provenance: []string{"tag-api"}, Tags: map[string]string{"a": "1"}},
		{ID: "x", Type: "T", Service: "S", Confidence: 0.2, Provenance: []string{"scan"}, Attributes: map[string]any{"b": 2}},
	}

	result := NewEngine().Reconcile(records)
	require.Len(t, result.Resources, 1)
	assert.Equal(t, 1.0, result.Resources[0].Confidence)
}

func TestReconcile_DeepMergeAttributes(t *testing.T) {
	base := resource.Resource{
		ID: "db-1", Type: "DBInstance", Service: "RDS", Region: "us-east-1",
		Attributes: map[string]any{"Endpoint": map[string]any{"Port": 5432}, "Engine": "postgres"},
		Provenance: []string{"service-api"},
		Confidence: 0.9,
	}
	secondary := resource.Resource{
		ID: "db-1", Type: "DBInstance", Service: "RDS", Region: "us-east-1",
		Attributes: map[string]any{"Endpoint": map[string]any{"Port": 3306, "Address": "db.internal"}, "Engine": "mysql"},
		Provenance: []string{"config-api"},
		Confidence: 0.6,
		ARN:        "arn:aws:rds:us-east-1:123456789012:db:db-1",
		AccountID:  "123456789012",
	}

	result := NewEngine().Reconcile([]resource.Resource{secondary, base})
	require.Len(t, result.Resources, 1)
	r := result.Resources[0]

	assert.Equal(t, "postgres", r.Attributes["Engine"])
	endpoint := r.Attributes["Endpoint"].(map[string]any)
	assert.Equal(t, 5432, endpoint["Port"])
	assert.Equal(t, "db.internal", endpoint["Address"])
	assert.Equal(t, "arn:aws:rds:us-east-1:123456789012:db:db-1", r.ARN)
	assert.Equal(t, "123456789012", r.AccountID)
	assert.InDelta(t, 0.95, r.Confidence, 1e-9)
}

func TestReconcile_DoesNotMutateInput(t *testing.T) {
	tagAPI, serviceAPI := scenarioRecords()
	tagAPI.Tags = map[string]string{"owner": "me"}

	NewEngine().Reconcile([]resource.Resource{serviceAPI, tagAPI})

	assert.Equal(t, map[string]string{"env": "prod"}, serviceAPI.Tags)
	assert.Equal(t, []string{"service-api"}, serviceAPI.Provenance)
}

func TestReconcile_TieBreakByPriority(t *testing.T) {
	scan := resource.Resource{ID: "i-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Attributes: map[string]any{"state": "stopped"}, Provenance: []string{"scan"}, Confidence: 0.5}
	api := resource.Resource{ID: "i-1", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Attributes: map[string]any{"state": "running"}, Provenance: []string{"service-api"}, Confidence: 0.5}

	result := NewEngine().Reconcile([]resource.Resource{scan, api})
	require.Len(t, result.Resources, 1)
	assert.Equal(t, "running", result.Resources[0].Attributes["state"])
}

func TestReconcile_IDCollisionDifferentRegions(t *testing.T) {
	instance := resource.Resource{ID: "shared", Type: "Instance", Service: "EC2", Region: "us-east-1",
		Provenance: []string{"service-api"}, Confidence: 0.9}
	bucket := resource.Resource{ID: "shared", Type: "Bucket", Service: "S3", Region: "eu-west-1",
		Provenance: []string{"tag-api"}, Confidence: 0.5}

	result := NewEngine().Reconcile([]resource.Resource{bucket, instance})

	require.Len(t, result.Resources, 2)
	ids := map[string]resource.Resource{}
	for _, r := range result.Resources {
		ids[r.ID] = r
	}
	assert.Equal(t, "Instance", ids["shared"].Type)
	assert.Equal(t, "Bucket", ids["shared@eu-west-1"].Type)

	assert.Equal(t, 1, result.Stats.Collisions)
	require.Len(t, result.Stats.Warnings, 1)
	assert.Equal(t, WarningIDCollision, result.Stats.Warnings[0].Kind)
	assert.Equal(t, "shared@eu-west-1", result.Stats.Warnings[0].NewID)
}

func TestReconcile_IDCollisionSameRegion(t *testing.T) {
	a := resource.Resource{ID: "dup", Type: "Queue", Service: "SQS", Region: "us-east-1",
		Provenance: []string{"service-api"}, Confidence: 0.9}
	b := resource.Resource{ID: "dup", Type: "Topic", Service: "SNS", Region: "us-east-1",
		Provenance: []string{"service-api"}, Confidence: 0.7}

	result := NewEngine().Reconcile([]resource.Resource{a, b})

	require.Len(t, result.Resources, 2)
	var ids []string
	for _, r := range result.Resources {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"dup", "dup@us-east-1#Topic"}, ids)
}

func TestReconcile_RekeyAvoidsExistingID(t *testing.T) {
	records := []resource.Resource{
		{ID: "x", Type: "A", Service: "S", Region: "r1", Confidence: 0.9, Provenance: []string{"service-api"}},
		{ID: "x", Type: "B", Service: "S", Region: "r2", Confidence: 0.5, Provenance: []string{"service-api"}},
		{ID: "x@r2", Type: "C", Service: "S", Region: "r2", Confidence: 0.5, Provenance: []string{"service-api"}},
	}

	result := NewEngine().Reconcile(records)
	require.Len(t, result.Resources, 3)

	seen := map[string]bool{}
	for _, r := range result.Resources {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
	assert.True(t, seen["x@r2#B"])
}

func TestReconcile_OutputSorted(t *testing.T) {
	records := []resource.Resource{
		{ID: "b", Type: "Bucket", Service: "S3", Region: "global"},
		{ID: "z", Type: "Instance", Service: "EC2", Region: "us-east-1"},
		{ID: "a", Type: "Volume", Service: "EC2", Region: "us-east-1"},
		{ID: "c", Type: "Instance", Service: "EC2", Region: "us-east-1"},
	}

	result := NewEngine().Reconcile(records)
	var ids []string
	for _, r := range result.Resources {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "z", "a", "b"}, ids)
}

func TestReconcile_IdempotentUnderPermutation(t *testing.T) {
	tagAPI, serviceAPI := scenarioRecords()
	records := []resource.Resource{
		tagAPI,
		serviceAPI,
		{ID: "r-2", Type: "Volume", Service: "EC2", Region: "us-east-1",
			Tags: map[string]string{"a": "1"}, Provenance: []string{"scan"}, Confidence: 0.5},
		{ID: "r-2", Type: "Volume", Service: "EC2", Region: "us-west-2",
			Tags: map[string]string{"a": "2"}, Provenance: []string{"scan"}, Confidence: 0.5},
		{ID: "r-1", Type: "Bucket", Service: "S3", Region: "eu-west-1",
			Provenance: []string{"tag-api"}, Confidence: 0.5},
	}

	engine := NewEngine()
	want, err := json.Marshal(engine.Reconcile(records))
	require.NoError(t, err)

	permute(records, func(p []resource.Resource) {
		got, err := json.Marshal(engine.Reconcile(p))
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(got))
		assert.Equal(t, string(want), string(got))
	})
}

func TestReconcile_DedupSupersetAndConfidence(t *testing.T) {
	records := []resource.Resource{
		{ID: "g", Type: "T", Service: "S", Region: "r", Confidence: 0.4, Provenance: []string{"scan"},
			Tags: map[string]string{"a": "1"}, Attributes: map[string]any{"x": map[string]any{"y": 1}}},
		{ID: "g", Type: "T", Service: "S", Region: "r", Confidence: 0.7, Provenance: []string{"tag-api"},
			Tags: map[string]string{"b": "2"}, Attributes: map[string]any{"x": map[string]any{"z": 2}}},
		{ID: "g", Type: "T", Service: "S", Region: "r", Confidence: 0.6, Provenance: []string{"config-api"},
			Tags: map[string]string{"a": "other"}, Attributes: map[string]any{"w": true}},
	}

	result := NewEngine().Reconcile(records)
	require.Len(t, result.Resources, 1)
	merged := result.Resources[0]

	for _, m := range records {
		assert.GreaterOrEqual(t, merged.Confidence, m.Confidence)
		for k := range m.Tags {
			assert.Contains(t, merged.Tags, k)
		}
		assertAttributesSuperset(t, merged.Attributes, m.Attributes)
	}
}

func TestReconcile_Empty(t *testing.T) {
	result := NewEngine().Reconcile(nil)
	assert.Empty(t, result.Resources)
	assert.Equal(t, 0, result.Stats.Output)
}

func TestNewEngine_Options(t *testing.T) {
	e := NewEngine(WithPriority(map[string]int{"scan": 10}), WithBonus(0))

	scan := resource.Resource{ID: "i", Type: "T", Service: "S", Confidence: 0.5, Provenance: []string{"scan"},
		Attributes: map[string]any{"v": "scan"}}
	api := resource.Resource{ID: "i", Type: "T", Service: "S", Confidence: 0.5, Provenance: []string{"service-api"},
		Attributes: map[string]any{"v": "api", "extra": 1}}

	result := e.Reconcile([]resource.Resource{api, scan})
	require.Len(t, result.Resources, 1)
	assert.Equal(t, "scan", result.Resources[0].Attributes["v"])
	assert.Equal(t, 0.5, result.Resources[0].Confidence)
	assert.Equal(t, []string{"service-api", "scan"}, result.Resources[0].Provenance)
}

func assertAttributesSuperset(t *testing.T, merged, member map[string]any) {
	t.Helper()
	for k, v := range member {
		require.Contains(t, merged, k)
		if sub, ok := v.(map[string]any); ok {
			mergedSub, ok := merged[k].(map[string]any)
			require.True(t, ok)
			assertAttributesSuperset(t, mergedSub, sub)
		}
	}
}

// permute calls fn with every ordering of rs (Heap's algorithm).
func permute(rs []resource.Resource, fn func([]resource.Resource)) {
	p := append([]resource.Resource(nil), rs...)
	var generate func(int)
	generate = func(k int) {
		if k == 1 {
			fn(append([]resource.Resource(nil), p...))
			return
		}
		generate(k - 1)
		for i := 0; i < k-1; i++ {
			if k%2 == 0 {
				p[i], p[k-1] = p[k-1], p[i]
			} else {
				p[0], p[k-1] = p[k-1], p[0]
			}
			generate(k - 1)
		}
	}
	generate(len(p))
}
