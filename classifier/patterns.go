package classifier

// pattern describes one kind of provider-managed resource. A resource
// matches when its type is listed (or Types is empty) and any one of the
// criteria hits.
type pattern struct {
	Types          []string
	IDPrefixes     []string
	IDSuffixes     []string
	NamePrefixes   []string
	NameSubstrings []string
	NameEquals     []string
	ARNSubstrings  []string
	TagMarkers     map[string]string   // tag key -> value, "" matches any value
	AttrFlags      []string            // attributes that mark the resource when true
	AttrEquals     map[string][]string // attribute -> values (case-insensitive)
}

// anyService holds patterns checked for every service.
const anyService = "*"

// managedPatterns is keyed by normalized service name.
var managedPatterns = map[string][]pattern{
	anyService: {
		{NamePrefixes: []string{"aws-controltower-", "StackSet-AWSControlTower"}},
		{IDPrefixes: []string{"aws-controltower-"}},
	},
	"IAM": {
		{
			Types:         []string{"Role"},
			IDPrefixes:    []string{"AWSServiceRoleFor", "AWSReservedSSO_", "OrganizationAccountAccessRole"},
			ARNSubstrings: []string{"/aws-service-role/", "/aws-reserved/"},
		},
		{
			Types:         []string{"Policy"},
			ARNSubstrings: []string{":aws:policy/"},
		},
	},
	"EC2": {
		{
			Types:     []string{"Vpc", "Subnet", "SecurityGroup", "NetworkAcl", "RouteTable", "InternetGateway", "DhcpOptions"},
			AttrFlags: []string{"isDefault", "IsDefault", "DefaultForAz", "defaultForAz", "default"},
		},
		{
			Types:      []string{"SecurityGroup"},
			NameEquals: []string{"default"},
			AttrEquals: map[string][]string{"GroupName": {"default"}, "groupName": {"default"}},
		},
		{
			Types:        []string{"SecurityGroup"},
			NamePrefixes: []string{"eks-cluster-sg-"},
			TagMarkers:   map[string]string{"aws:eks:cluster-name": ""},
		},
		{
			Types:      []string{"NetworkInterface"},
			AttrEquals: map[string][]string{"InterfaceType": {"nat_gateway", "gateway_load_balancer_endpoint", "vpc_endpoint", "lambda"}, "RequesterManaged": {"true"}},
		},
	},
	"KMS": {
		{
			Types:        []string{"Alias"},
			IDPrefixes:   []string{"alias/aws/", "aws/"},
			NamePrefixes: []string{"alias/aws/", "aws/"},
		},
		{
			Types:      []string{"Key"},
			AttrEquals: map[string][]string{"KeyManager": {"AWS"}},
		},
	},
	"ROUTE53": {
		{
			Types:      []string{"RecordSet", "ResourceRecordSet", "Record"},
			AttrEquals: map[string][]string{"Type": {"SOA", "NS"}},
		},
	},
	"CLOUDFORMATION": {
		{NameSubstrings: []string{"AWSControlTowerBP", "AWS-QuickSetup-"}},
	},
	"LOGS": {
		{
			Types:        []string{"LogGroup"},
			NamePrefixes: []string{"/aws/controltower/"},
		},
	},
	"RDS": {
		{
			Types:        []string{"DBParameterGroup", "DBClusterParameterGroup", "OptionGroup"},
			NamePrefixes: []string{"default.", "default:"},
		},
	},
	"ELASTICACHE": {
		{
			Types:        []string{"ParameterGroup", "CacheParameterGroup"},
			NamePrefixes: []string{"default."},
		},
	},
}

// nameAttributes are attribute keys that carry a display name.
var nameAttributes = []string{"GroupName", "groupName", "RoleName", "AliasName", "StackName", "LogGroupName", "DBParameterGroupName"}
