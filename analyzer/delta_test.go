package analyzer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tally/pkg/resource"
)

func instance(id string, attrs map[string]any) resource.Resource {
	return resource.Resource{
		ID:         id,
		Type:       "Instance",
		Service:    "EC2",
		Region:     "us-east-1",
		Tags:       map[string]string{"env": "prod"},
		Attributes: attrs,
		Provenance: []string{"service-api"},
		Confidence: 1,
	}
}

func ids(rs []resource.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestDetect_EncryptionDisabledIsCriticalSecurity(t *testing.T) {
	a := []resource.Resource{instance("r-1", map[string]any{"encryption_enabled": true})}
	b := []resource.Resource{instance("r-1", map[string]any{"encryption_enabled": false})}

	report := Detect(a, b, "snap-a", "snap-b")

	assert.Empty(t, report.Added)
	assert.Empty(t, report.Removed)
	require.Len(t, report.Modified, 1)
	mod := report.Modified[0]
	assert.Equal(t, "r-1", mod.Resource.ID)
	require.Len(t, mod.Changes, 1)

	change := mod.Changes[0]
	assert.Equal(t, "attributes.encryption_enabled", change.Path)
	assert.Equal(t, true, change.OldValue)
	assert.Equal(t, false, change.NewValue)
	assert.Equal(t, resource.DiffModified, change.Kind)
	assert.Equal(t, resource.CategorySecurity, change.Category)
	assert.Equal(t, resource.SeverityCritical, change.Severity)

	assert.Equal(t, "snap-a", report.Summary.OldSnapshotID)
	assert.Equal(t, "snap-b", report.Summary.NewSnapshotID)
	assert.True(t, report.Summary.HasCritical)
	assert.True(t, report.Summary.HasSecurityImpact)
}

func TestDetect_AddedAndRemoved(t *testing.T) {
	a := []resource.Resource{instance("r-1", nil), instance("r-2", nil)}
	b := []resource.Resource{instance("r-2", nil), instance("r-3", nil)}

	report := Detect(a, b, "a", "b")

	assert.Equal(t, []string{"r-3"}, ids(report.Added))
	assert.Equal(t, []string{"r-1"}, ids(report.Removed))
	assert.Empty(t, report.Modified)
	assert.Equal(t, 2, report.Summary.TotalChanges)
}

func TestDetect_Symmetry(t *testing.T) {
	a := []resource.Resource{
		instance("r-1", map[string]any{"size": 1}),
		instance("r-2", nil),
		instance("r-4", nil),
	}
	b := []resource.Resource{
		instance("r-4", nil),
		instance("r-3", nil),
		instance("r-1", map[string]any{"size": 2}),
		instance("r-5", nil),
	}

	ab := Detect(a, b, "a", "b")
	ba := Detect(b, a, "b", "a")

	assert.Equal(t, ab.Added, ba.Removed)
	assert.Equal(t, ab.Removed, ba.Added)
	require.Len(t, ab.Modified, 1)
	require.Len(t, ba.Modified, 1)
	assert.Equal(t, ab.Modified[0].Changes[0].OldValue, ba.Modified[0].Changes[0].NewValue)
}

func TestDetect_Emptiness(t *testing.T) {
	a := []resource.Resource{
		instance("r-1", map[string]any{
			"ebs":             map[string]any{"encrypted": true, "size": 8},
			"security_groups": []any{"sg-1", "sg-2"},
		}),
		{ID: "b-1", Type: "Bucket", Service: "S3", Region: "global"},
	}

	report := Detect(a, a, "a", "a")

	assert.True(t, report.IsEmpty())
	assert.Equal(t, 0, report.Summary.TotalChanges)
	assert.Equal(t, resource.Severity(""), report.Summary.HighestSeverity())
}

func TestDetect_OrderIndependent(t *testing.T) {
	a := []resource.Resource{instance("r-3", nil), instance("r-1", nil), instance("r-2", map[string]any{"x": "1"})}
	b := []resource.Resource{instance("r-2", map[string]any{"x": "2"}), instance("r-5", nil), instance("r-4", nil)}

	forward := Detect(a, b, "a", "b")

	ra := []resource.Resource{a[2], a[0], a[1]}
	rb := []resource.Resource{b[2], b[1], b[0]}
	reversed := Detect(ra, rb, "a", "b")

	assert.Equal(t, forward, reversed)
	assert.Equal(t, []string{"r-4", "r-5"}, ids(forward.Added))
	assert.Equal(t, []string{"r-1", "r-3"}, ids(forward.Removed))
}

func TestDetect_TypeChangeIsRemovedPlusAdded(t *testing.T) {
	old := instance("shared-id", nil)
	cur := old
	cur.Type = "Volume"

	report := Detect([]resource.Resource{old}, []resource.Resource{cur}, "a", "b")

	assert.Empty(t, report.Modified)
	require.Len(t, report.Added, 1)
	require.Len(t, report.Removed, 1)
	assert.Equal(t, "Volume", report.Added[0].Type)
	assert.Equal(t, "Instance", report.Removed[0].Type)
}

func TestDetect_NumbersCompareByValue(t *testing.T) {
	fresh := instance("r-1", map[string]any{"size": 8, "iops": int64(3000), "ratio": json.Number("1.5")})
	stored := instance("r-1", map[string]any{"size": 8.0, "iops": 3000.0, "ratio": 1.5})

	report := Detect([]resource.Resource{stored}, []resource.Resource{fresh}, "a", "b")
	assert.True(t, report.IsEmpty())
}

func TestDetect_InputNotMutated(t *testing.T) {
	attrs := map[string]any{"nested": map[string]any{"k": "v"}}
	a := []resource.Resource{instance("r-1", attrs)}
	b := []resource.Resource{instance("r-1", map[string]any{"nested": map[string]any{"k": "w"}})}

	report := Detect(a, b, "a", "b")
	require.Len(t, report.Modified, 1)

	report.Modified[0].Changes[0].OldValue = "mutated"
	assert.Equal(t, "v", attrs["nested"].(map[string]any)["k"])
}

func TestDiffResource(t *testing.T) {
	tests := []struct {
		name string
		prev resource.Resource
		cur  resource.Resource
		want []resource.AttributeChange
	}{
		{
			name: "tag added",
			prev: instance("r-1", nil),
			cur: func() resource.Resource {
				r := instance("r-1", nil)
				r.Tags = map[string]string{"env": "prod", "team": "web"}
				return r
			}(),
			want: []resource.AttributeChange{
				{Path: "tags.team", NewValue: "web", Kind: resource.DiffAdded, Category: resource.CategoryTag, Severity: resource.SeverityLow},
			},
		},
		{
			name: "compliance tag changed",
			prev: instance("r-1", nil),
			cur: func() resource.Resource {
				r := instance("r-1", nil)
				r.Tags = map[string]string{"env": "prod", "Data-Classification": "secret"}
				return r
			}(),
			want: []resource.AttributeChange{
				{Path: "tags.Data-Classification", NewValue: "secret", Kind: resource.DiffAdded, Category: resource.CategoryCompliance, Severity: resource.SeverityMedium},
			},
		},
		{
			name: "nested map removed reports each leaf",
			prev: instance("r-1", map[string]any{"vpc": map[string]any{"id": "vpc-1", "cidr": "10.0.0.0/16"}}),
			cur:  instance("r-1", map[string]any{}),
			want: []resource.AttributeChange{
				{Path: "attributes.vpc.cidr", OldValue: "10.0.0.0/16", Kind: resource.DiffRemoved, Category: resource.CategoryNetwork, Severity: resource.SeverityHigh},
				{Path: "attributes.vpc.id", OldValue: "vpc-1", Kind: resource.DiffRemoved, Category: resource.CategoryNetwork, Severity: resource.SeverityHigh},
			},
		},
		{
			name: "list compared as a value",
			prev: instance("r-1", map[string]any{"SecurityGroups": []any{"sg-1"}}),
			cur:  instance("r-1", map[string]any{"SecurityGroups": []any{"sg-1", "sg-2"}}),
			want: []resource.AttributeChange{
				{Path: "attributes.SecurityGroups", OldValue: []any{"sg-1"}, NewValue: []any{"sg-1", "sg-2"}, Kind: resource.DiffModified, Category: resource.CategorySecurity, Severity: resource.SeverityHigh},
			},
		},
		{
			name: "region change is metadata",
			prev: instance("r-1", nil),
			cur: func() resource.Resource {
				r := instance("r-1", nil)
				r.Region = "eu-west-1"
				return r
			}(),
			want: []resource.AttributeChange{
				{Path: "region", OldValue: "us-east-1", NewValue: "eu-west-1", Kind: resource.DiffModified, Category: resource.CategoryMetadata, Severity: resource.SeverityLow},
			},
		},
		{
			name: "plain configuration change",
			prev: instance("r-1", map[string]any{"instance_type": "t3.micro"}),
			cur:  instance("r-1", map[string]any{"instance_type": "t3.large"}),
			want: []resource.AttributeChange{
				{Path: "attributes.instance_type", OldValue: "t3.micro", NewValue: "t3.large", Kind: resource.DiffModified, Category: resource.CategoryConfiguration, Severity: resource.SeverityLow},
			},
		},
		{
			name: "deletion protection removed is high",
			prev: instance("r-1", map[string]any{"deletion_protection": true}),
			cur:  instance("r-1", nil),
			want: []resource.AttributeChange{
				{Path: "attributes.deletion_protection", OldValue: true, Kind: resource.DiffRemoved, Category: resource.CategoryConfiguration, Severity: resource.SeverityHigh},
			},
		},
		{
			name: "deletion protection toggled is medium",
			prev: instance("r-1", map[string]any{"deletion_protection": true}),
			cur:  instance("r-1", map[string]any{"deletion_protection": false}),
			want: []resource.AttributeChange{
				{Path: "attributes.deletion_protection", OldValue: true, NewValue: false, Kind: resource.DiffModified, Category: resource.CategoryConfiguration, Severity: resource.SeverityMedium},
			},
		},
		{
			name: "scalar replaced by map",
			prev: instance("r-1", map[string]any{"logging": "off"}),
			cur:  instance("r-1", map[string]any{"logging": map[string]any{"bucket": "logs"}}),
			want: []resource.AttributeChange{
				{Path: "attributes.logging", OldValue: "off", NewValue: map[string]any{"bucket": "logs"}, Kind: resource.DiffModified, Category: resource.CategoryConfiguration, Severity: resource.SeverityLow},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffResource(tt.prev, tt.cur))
		})
	}
}

func TestDiffResource_SortedByPath(t *testing.T) {
	prev := instance("r-1", map[string]any{"b": 1, "a": 1, "c": map[string]any{"z": 1, "y": 1}})
	cur := instance("r-1", map[string]any{"b": 2, "a": 2, "c": map[string]any{"z": 2, "y": 2}})
	cur.Tags = map[string]string{"env": "dev"}

	var paths []string
	for _, c := range DiffResource(prev, cur) {
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{
		"attributes.a",
		"attributes.b",
		"attributes.c.y",
		"attributes.c.z",
		"tags.env",
	}, paths)
}
