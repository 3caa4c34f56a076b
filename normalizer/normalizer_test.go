package normalizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tally/pkg/resource"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New()
	require.NoError(t, err)
	return n
}

func TestNormalize_TagAPIRecordFromARN(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{
		"ResourceARN": "arn:aws:ec2:us-east-1:123456789012:instance/i-0abc123",
		"Tags": []any{
			map[string]any{"Key": "env", "Value": "prod"},
			map[string]any{"key": "team", "value": "platform"},
		},
	}

	r, err := n.Normalize(raw, "tag-api", "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, "i-0abc123", r.ID)
	assert.Equal(t, "EC2", r.Service)
	assert.Equal(t, "Instance", r.Type)
	assert.Equal(t, "us-east-1", r.Region)
	assert.Equal(t, "123456789012", r.AccountID)
	assert.Equal(t, map[string]string{"env": "prod", "team": "platform"}, r.Tags)
	assert.Equal(t, []string{"tag-api"}, r.Provenance)
	assert.InDelta(t, 1.0, r.Confidence, 1e-9)
	assert.Empty(t, r.Attributes)
}

func TestNormalize_ServiceAPIFlatTagsAndAttributes(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{
		"InstanceId":   "i-0abc123",
		"type":         "instance",
		"service":      "ec2",
		"Tags":         map[string]any{"env": "prod", "count": 3},
		"State":        map[string]any{"Name": "running"},
		"InstanceType": "t3.micro",
	}

	r, err := n.Normalize(raw, "service-api", "eu-west-1")
	require.NoError(t, err)

	assert.Equal(t, "i-0abc123", r.ID)
	assert.Equal(t, "EC2", r.Service)
	assert.Equal(t, "Instance", r.Type)
	assert.Equal(t, "eu-west-1", r.Region)
	assert.Equal(t, "3", r.Tags["count"])
	assert.Equal(t, "t3.micro", r.Attributes["InstanceType"])
	assert.Equal(t, map[string]any{"Name": "running"}, r.Attributes["State"])
	assert.NotContains(t, r.Attributes, "InstanceId")
	assert.NotContains(t, r.Attributes, "Tags")

	// id, type, service, tags, region populated; account missing
	assert.InDelta(t, 5.0/6.0, r.Confidence, 1e-9)
}

func TestNormalize_ScenarioRecord(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{"id": "r-1", "type": "Instance", "service": "EC2", "tags": map[string]any{}}
	r, err := n.Normalize(raw, "tag-api", "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, "r-1", r.ID)
	assert.Equal(t, "Instance", r.Type)
	assert.Equal(t, "EC2", r.Service)
	assert.Empty(t, r.Tags)
	assert.InDelta(t, 4.0/6.0, r.Confidence, 1e-9)
}

func TestNormalize_ConfigAPITypeString(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{
		"resourceId":    "sg-123",
		"resourceType":  "AWS::EC2::SecurityGroup",
		"awsRegion":     "us-west-2",
		"accountId":     "111122223333",
		"configuration": map[string]any{"groupName": "web"},
	}

	r, err := n.Normalize(raw, "config-api", "")
	require.NoError(t, err)

	assert.Equal(t, "sg-123", r.ID)
	assert.Equal(t, "EC2", r.Service)
	assert.Equal(t, "SecurityGroup", r.Type)
	assert.Equal(t, "us-west-2", r.Region)
	assert.Equal(t, "111122223333", r.AccountID)
	assert.Contains(t, r.Attributes, "configuration")
}

func TestNormalize_ResourceExplorerTypeString(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{
		"Arn":          "arn:aws:ec2:us-east-1:123456789012:security-group/sg-9",
		"ResourceType": "ec2:security-group",
		"Region":       "us-east-1",
	}

	r, err := n.Normalize(raw, "resource-explorer", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "sg-9", r.ID)
	assert.Equal(t, "EC2", r.Service)
	assert.Equal(t, "SecurityGroup", r.Type)
}

func TestNormalize_ARNDefaultsAndAliases(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name    string
		arn     string
		id      string
		service string
		typ     string
		region  string
	}{
		{"s3 bucket", "arn:aws:s3:::my-bucket", "my-bucket", "S3", "Bucket", "us-east-1"},
		{"rds instance", "arn:aws:rds:us-east-1:123456789012:db:orders", "orders", "RDS", "DBInstance", "us-east-1"},
		{"iam role is global", "arn:aws:iam::123456789012:role/deploy", "deploy", "IAM", "Role", "global"},
		{"elb", "arn:aws:elasticloadbalancing:us-east-1:123456789012:loadbalancer/app/web/50dc6c", "50dc6c", "ELASTICLOADBALANCING", "LoadBalancer", "us-east-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := n.Normalize(map[string]any{"ResourceARN": tt.arn}, "tag-api", "us-east-1")
			require.NoError(t, err)
			assert.Equal(t, tt.id, r.ID)
			assert.Equal(t, tt.service, r.Service)
			assert.Equal(t, tt.typ, r.Type)
			assert.Equal(t, tt.region, r.Region)
		})
	}
}

func TestNormalize_NonARNQualifiedIdentifier(t *testing.T) {
	n := newTestNormalizer(t)

	r, err := n.Normalize(map[string]any{"arn": "urn:cloud:compute:zone-a:42:vm/vm-7"}, "scan", "")
	require.NoError(t, err)
	assert.Equal(t, "vm-7", r.ID)
	assert.Equal(t, "42", r.AccountID)
	assert.Equal(t, "COMPUTE", r.Service)
	assert.Equal(t, "Vm", r.Type)
	assert.Equal(t, "zone-a", r.Region)
}

func TestNormalize_MalformedRecord(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(map[string]any{"foo": "bar"}, "scan", "us-east-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedRecord))
	assert.Contains(t, err.Error(), "scan")
}

func TestNormalize_NameOnlyRecordUsesNameAsID(t *testing.T) {
	n := newTestNormalizer(t)

	r, err := n.Normalize(map[string]any{"Name": "web-1", "state": "running"}, "service-api", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", r.ID)
	assert.Equal(t, "web-1", r.Name)
	assert.Equal(t, resource.Unknown, r.Type)
	assert.Equal(t, resource.Unknown, r.Service)
	assert.Equal(t, "running", r.Attributes["state"])
}

func TestNormalize_FallbackRegionDoesNotRaiseConfidence(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{"id": "q-1", "type": "Queue", "service": "sqs"}
	withRegion, err := n.Normalize(raw, "scan", "us-east-1")
	require.NoError(t, err)
	without, err := n.Normalize(raw, "scan", "")
	require.NoError(t, err)

	assert.Equal(t, resource.GlobalRegion, without.Region)
	// id, type, service
	assert.InDelta(t, 3.0/6.0, without.Confidence, 1e-9)
	assert.InDelta(t, 4.0/6.0, withRegion.Confidence, 1e-9)

	// global services are placed by definition, not by fallback
	role, err := n.Normalize(map[string]any{"ResourceARN": "arn:aws:iam::123456789012:role/deploy"}, "tag-api", "")
	require.NoError(t, err)
	assert.Equal(t, resource.GlobalRegion, role.Region)
	assert.InDelta(t, 5.0/6.0, role.Confidence, 1e-9)
}

func TestNormalize_MissingTypeDefaultsToUnknown(t *testing.T) {
	n := newTestNormalizer(t)

	r, err := n.Normalize(map[string]any{"id": "thing-1"}, "scan", "")
	require.NoError(t, err)
	assert.Equal(t, resource.Unknown, r.Type)
	assert.Equal(t, resource.Unknown, r.Service)
	assert.Equal(t, resource.GlobalRegion, r.Region)
}

func TestNormalize_MissingIDIsSynthesizedDeterministically(t *testing.T) {
	n := newTestNormalizer(t)

	raw := map[string]any{"type": "Widget", "size": 3}
	r1, err := n.Normalize(raw, "scan", "us-east-1")
	require.NoError(t, err)
	r2, err := n.Normalize(raw, "scan", "us-east-1")
	require.NoError(t, err)

	assert.NotEmpty(t, r1.ID)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Contains(t, r1.ID, "widget-")
}

func TestNormalize_UnknownMethodUsesDefaultTable(t *testing.T) {
	n := newTestNormalizer(t)

	r, err := n.Normalize(map[string]any{"id": "x-1", "resource_type": "Queue", "service": "sqs"}, "custom", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "x-1", r.ID)
	assert.Equal(t, "SQS", r.Service)
	assert.Equal(t, []string{"custom"}, r.Provenance)
}

func TestNormalize_NameTagFillsName(t *testing.T) {
	n := newTestNormalizer(t)

	r, err := n.Normalize(map[string]any{
		"id":   "i-1",
		"type": "Instance",
		"tags": map[string]any{"Name": "web-1"},
	}, "service-api", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", r.Name)
}

func TestNormalize_DoesNotAliasRawRecord(t *testing.T) {
	n := newTestNormalizer(t)

	nested := map[string]any{"enabled": true}
	raw := map[string]any{"id": "b-1", "type": "Bucket", "Encryption": nested}
	r, err := n.Normalize(raw, "service-api", "us-east-1")
	require.NoError(t, err)

	nested["enabled"] = false
	assert.Equal(t, true, r.Attributes["Encryption"].(map[string]any)["enabled"])
}

func TestNormalize_NestedTagPathKeepsSiblingAttributes(t *testing.T) {
	n := newTestNormalizer(t)

	props := map[string]any{
		"Tags":  []any{map[string]any{"Key": "env", "Value": "prod"}},
		"State": "running",
	}
	raw := map[string]any{
		"Arn":        "arn:aws:ec2:us-east-1:123456789012:instance/i-1",
		"Properties": props,
	}
	r, err := n.Normalize(raw, "resource-explorer", "us-east-1")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"env": "prod"}, r.Tags)
	assert.Equal(t, map[string]any{"State": "running"}, r.Attributes["Properties"])
	assert.Contains(t, props, "Tags")
}

func TestNormalizeBatch_CountsSkips(t *testing.T) {
	n := newTestNormalizer(t)

	records := []RawRecord{
		{Method: "tag-api", Region: "us-east-1", Data: map[string]any{"ResourceARN": "arn:aws:sqs:us-east-1:123456789012:jobs"}},
		{Method: "scan", Region: "us-east-1", Data: map[string]any{"junk": true}},
		{Method: "scan", Region: "us-east-1", Data: map[string]any{}},
	}

	out, stats := n.NormalizeBatch(records)
	require.Len(t, out, 1)
	assert.Equal(t, "jobs", out[0].ID)
	assert.Equal(t, "Queue", out[0].Type)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Normalized)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 2, stats.SkippedByMethod["scan"])
}

func TestNewFromYAML_RejectsBadTables(t *testing.T) {
	_, err := NewFromYAML([]byte("version: 2\nmethods:\n  default: {}\n"))
	assert.Error(t, err)

	_, err = NewFromYAML([]byte("version: 1\nmethods:\n  scan: {}\n"))
	assert.Error(t, err)

	_, err = NewFromYAML([]byte("version: [\n"))
	assert.Error(t, err)
}

func TestRegister_CustomExtractor(t *testing.T) {
	n := newTestNormalizer(t)
	n.Register("inventory", NewTableExtractor(Table{ID: []string{"uid"}, Type: []string{"kind"}}))

	r, err := n.Normalize(map[string]any{"uid": "u-1", "kind": "disk"}, "inventory", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", r.ID)
	assert.Equal(t, "Disk", r.Type)
	assert.Contains(t, n.Methods(), "inventory")
}

func TestCasingHelpers(t *testing.T) {
	assert.Equal(t, "EC2", UpperSnake("ec2"))
	assert.Equal(t, "ELASTIC_LOAD_BALANCING", UpperSnake("elastic-load-balancing"))
	assert.Equal(t, "Instance", MixedCase("instance"))
	assert.Equal(t, "SecurityGroup", MixedCase("security-group"))
	assert.Equal(t, "DBInstance", MixedCase("DBInstance"))
	assert.Equal(t, "", MixedCase(""))
}
