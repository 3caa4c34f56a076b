package analyzer

import (
	"path"
	"strings"

	"github.com/yairfalse/tally/pkg/resource"
)

// Path roots walked by the detector.
const (
	rootTags       = "tags"
	rootAttributes = "attributes"
)

// categoryRule routes a change to a category when any normalized path
// segment below the root matches one of its glob patterns.
type categoryRule struct {
	category resource.Category
	root     string
	patterns []string
}

// categoryRules is evaluated in order; the first match wins. Tag paths and
// top-level fields are routed before these rules are consulted.
var categoryRules = []categoryRule{
	{
		category: resource.CategorySecurity,
		root:     rootAttributes,
		patterns: []string{
			"securitygroup*", "*policy*", "acl", "acls", "networkacl*",
			"*encrypt*", "kms*", "publicaccess*", "publiclyaccessible",
			"iam*", "ingress", "egress", "sslpolicy", "permissions",
			"ippermissions*", "blockpublic*", "mfadelete",
		},
	},
	{
		category: resource.CategoryNetwork,
		root:     rootAttributes,
		patterns: []string{
			"vpc*", "subnet*", "route*", "cidr*", "*gateway*", "ipaddress",
			"privateip*", "publicip*", "eni*", "networkinterface*", "dns*",
		},
	},
	{
		category: resource.CategoryMetadata,
		root:     rootAttributes,
		patterns: []string{"lastmodified*", "createdtime", "creationdate", "description", "name"},
	},
}

// complianceTags are tag keys (normalized) whose changes affect compliance posture.
var complianceTags = map[string]bool{
	"compliance":         true,
	"dataclassification": true,
	"pci":                true,
	"hipaa":              true,
	"sox":                true,
	"gdpr":               true,
	"owner":              true,
	"costcenter":         true,
	"environment":        true,
	"backup":             true,
	"retention":          true,
}

// defaultSeverity applies when no override matches.
var defaultSeverity = map[resource.Category]resource.Severity{
	resource.CategorySecurity:      resource.SeverityHigh,
	resource.CategoryNetwork:       resource.SeverityHigh,
	resource.CategoryCompliance:    resource.SeverityMedium,
	resource.CategoryConfiguration: resource.SeverityLow,
	resource.CategoryTag:           resource.SeverityLow,
	resource.CategoryMetadata:      resource.SeverityLow,
}

// severityRule fixes the severity for one attribute leaf; byKind refines it
// for a particular change kind.
type severityRule struct {
	severity resource.Severity
	byKind   map[resource.DiffType]resource.Severity
}

// severityOverrides is keyed by the normalized leaf name of an attributes path.
var severityOverrides = map[string]severityRule{
	"encryptionenabled":  {severity: resource.SeverityCritical},
	"encrypted":          {severity: resource.SeverityCritical},
	"storageencrypted":   {severity: resource.SeverityCritical},
	"kmskeyid":           {severity: resource.SeverityCritical},
	"publicaccess":       {severity: resource.SeverityCritical},
	"publiclyaccessible": {severity: resource.SeverityCritical},
	"blockpublicacls":    {severity: resource.SeverityCritical},
	"blockpublicpolicy":  {severity: resource.SeverityCritical},
	"ignorepublicacls":   {severity: resource.SeverityCritical},
	"mfadelete":          {severity: resource.SeverityCritical},

	"ingress":        {severity: resource.SeverityHigh},
	"egress":         {severity: resource.SeverityHigh},
	"securitygroups": {severity: resource.SeverityHigh},
	"ippermissions":  {severity: resource.SeverityHigh},

	"deletionprotection": {
		severity: resource.SeverityMedium,
		byKind:   map[resource.DiffType]resource.Severity{resource.DiffRemoved: resource.SeverityHigh},
	},
	"backupretentionperiod": {severity: resource.SeverityMedium},
	"multiaz":               {severity: resource.SeverityMedium},
	"versioning":            {severity: resource.SeverityMedium},
}

// normalizeSegment lower-cases s and drops separators so that
// "SecurityGroups", "security_groups" and "security-groups" compare equal.
func normalizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify returns the category and severity of a change at segments.
// segments[0] is the root ("tags", "attributes") or a top-level field name.
func classify(segments []string, kind resource.DiffType) (resource.Category, resource.Severity) {
	category := categorize(segments)

	if category != resource.CategoryTag && category != resource.CategoryCompliance &&
		len(segments) > 1 && segments[0] == rootAttributes {
		if rule, ok := severityOverrides[normalizeSegment(segments[len(segments)-1])]; ok {
			if sev, ok := rule.byKind[kind]; ok {
				return category, sev
			}
			return category, rule.severity
		}
	}
	return category, defaultSeverity[category]
}

func categorize(segments []string) resource.Category {
	if len(segments) == 0 {
		return resource.CategoryConfiguration
	}

	switch segments[0] {
	case rootTags:
		if len(segments) > 1 && complianceTags[normalizeSegment(segments[1])] {
			return resource.CategoryCompliance
		}
		return resource.CategoryTag
	case rootAttributes:
	default:
		// region, service, resource_type
		return resource.CategoryMetadata
	}

	for _, rule := range categoryRules {
		if rule.root != segments[0] {
			continue
		}
		for _, seg := range segments[1:] {
			if matchAny(rule.patterns, normalizeSegment(seg)) {
				return rule.category
			}
		}
	}
	return resource.CategoryConfiguration
}

func matchAny(patterns []string, seg string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, seg); ok {
			return true
		}
	}
	return false
}
