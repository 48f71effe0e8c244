package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/vigil/types"
)

const (
	lockoutPolicyName = "vigil-lockout"
	revokePolicyName  = "vigil-revoke-sessions"

	// MaxRuleNumber is the highest NACL rule number AWS accepts
	MaxRuleNumber = 32766
	// DefaultDenyRuleMin and DefaultDenyRuleMax reserve the range below the
	// conventional allow rule 100
	DefaultDenyRuleMin = 1
	DefaultDenyRuleMax = 99

	maxAllocateAttempts = 3
	errCodeEntryExists  = "NetworkAclEntryAlreadyExists"
)

// EC2API defines the EC2 operations used for network containment.
type EC2API interface {
	DescribeNetworkAcls(ctx context.Context, params *ec2.DescribeNetworkAclsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error)
	CreateNetworkAclEntry(ctx context.Context, params *ec2.CreateNetworkAclEntryInput, optFns ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
}

// IAMAPI defines the IAM operations used for account containment.
type IAMAPI interface {
	PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
}

// AWSConfig holds the AWS remediation settings.
type AWSConfig struct {
	Region                  string
	NetworkACLID            string
	QuarantineSecurityGroup string
	// DenyRuleMin..DenyRuleMax is the rule number range deny entries are
	// allocated from. It must lie below every allow rule in the ACL.
	DenyRuleMin int32
	DenyRuleMax int32
}

// AWSExecutor implements the remediation actions AWS can express.
type AWSExecutor struct {
	ec2Client EC2API
	iamClient IAMAPI
	cfg       AWSConfig
	now       func() time.Time
}

// NewAWSExecutor loads the default credential chain for cfg.Region.
func NewAWSExecutor(ctx context.Context, cfg AWSConfig) (*AWSExecutor, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSExecutorWithClients(cfg, ec2.NewFromConfig(awsCfg), iam.NewFromConfig(awsCfg)), nil
}

// NewAWSExecutorWithClients wires explicit clients (used by tests).
func NewAWSExecutorWithClients(cfg AWSConfig, ec2Client EC2API, iamClient IAMAPI) *AWSExecutor {
	if cfg.DenyRuleMin <= 0 {
		cfg.DenyRuleMin = DefaultDenyRuleMin
	}
	if cfg.DenyRuleMax <= 0 {
		cfg.DenyRuleMax = DefaultDenyRuleMax
	}
	return &AWSExecutor{
		ec2Client: ec2Client,
		iamClient: iamClient,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Actions lists the actions this backend implements.
func (a *AWSExecutor) Actions() []string {
	return []string{
		ActionBlockIP,
		ActionBlockEgress,
		ActionIsolateNode,
		ActionIsolateHost,
		ActionLockAccount,
		ActionRevokeSessions,
	}
}

// Execute runs one action.
func (a *AWSExecutor) Execute(ctx context.Context, action string, finding types.Finding) error {
	switch action {
	case ActionBlockIP:
		return a.denyCIDR(ctx, finding.Attr("source_ip"), false)
	case ActionBlockEgress:
		return a.denyCIDR(ctx, finding.Attr("destination"), true)
	case ActionIsolateNode:
		return a.quarantineInstance(ctx, finding, "node")
	case ActionIsolateHost:
		return a.quarantineInstance(ctx, finding, "host")
	case ActionLockAccount:
		return a.putUserPolicy(ctx, finding.Attr("user"), lockoutPolicyName, lockoutPolicy())
	case ActionRevokeSessions:
		return a.putUserPolicy(ctx, finding.Attr("user"), revokePolicyName, revokeSessionsPolicy(a.now()))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}
}

// denyCIDR adds an all-protocol deny entry for address. Entries are
// numbered from the reserved deny range, which must sit below the ACL's
// allow rules since NACLs evaluate the lowest number first. An existing
// deny entry for the same CIDR and direction counts as done.
func (a *AWSExecutor) denyCIDR(ctx context.Context, address string, egress bool) error {
	if a.cfg.NetworkACLID == "" {
		return fmt.Errorf("network ACL not configured: %w", ErrUnsupportedAction)
	}
	if a.cfg.DenyRuleMin > a.cfg.DenyRuleMax || a.cfg.DenyRuleMax > MaxRuleNumber {
		return fmt.Errorf("deny rule range %d-%d is not usable", a.cfg.DenyRuleMin, a.cfg.DenyRuleMax)
	}

	cidr, ipv6, err := toCIDR(address)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		used, exists, err := a.denyEntries(ctx, cidr, egress)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		number, ok := freeRuleNumber(used, a.cfg.DenyRuleMin, a.cfg.DenyRuleMax)
		if !ok {
			return fmt.Errorf("no free deny rule number in %d-%d on %s", a.cfg.DenyRuleMin, a.cfg.DenyRuleMax, a.cfg.NetworkACLID)
		}

		input := &ec2.CreateNetworkAclEntryInput{
			NetworkAclId: aws.String(a.cfg.NetworkACLID),
			RuleNumber:   aws.Int32(number),
			Protocol:     aws.String("-1"),
			RuleAction:   ec2types.RuleActionDeny,
			Egress:       aws.Bool(egress),
		}
		if ipv6 {
			input.Ipv6CidrBlock = aws.String(cidr)
		} else {
			input.CidrBlock = aws.String(cidr)
		}

		_, err = a.ec2Client.CreateNetworkAclEntry(ctx, input)
		if err == nil {
			return nil
		}
		// another writer took the number between describe and create
		if !hasErrorCode(err, errCodeEntryExists) {
			return fmt.Errorf("create network acl entry for %s: %w", cidr, err)
		}
	}
	return fmt.Errorf("create network acl entry for %s: rule numbers kept colliding", cidr)
}

// denyEntries returns the rule numbers in use for one direction and whether
// a deny entry for cidr already exists
func (a *AWSExecutor) denyEntries(ctx context.Context, cidr string, egress bool) (map[int32]bool, bool, error) {
	out, err := a.ec2Client.DescribeNetworkAcls(ctx, &ec2.DescribeNetworkAclsInput{
		NetworkAclIds: []string{a.cfg.NetworkACLID},
	})
	if err != nil {
		return nil, false, fmt.Errorf("describe network acl %s: %w", a.cfg.NetworkACLID, err)
	}
	if len(out.NetworkAcls) == 0 {
		return nil, false, fmt.Errorf("network acl %s not found", a.cfg.NetworkACLID)
	}

	used := make(map[int32]bool)
	exists := false
	for _, entry := range out.NetworkAcls[0].Entries {
		if aws.ToBool(entry.Egress) != egress {
			continue
		}
		used[aws.ToInt32(entry.RuleNumber)] = true
		if entry.RuleAction == ec2types.RuleActionDeny &&
			(aws.ToString(entry.CidrBlock) == cidr || aws.ToString(entry.Ipv6CidrBlock) == cidr) {
			exists = true
		}
	}
	return used, exists, nil
}

func freeRuleNumber(used map[int32]bool, lo, hi int32) (int32, bool) {
	for n := lo; n <= hi; n++ {
		if !used[n] {
			return n, true
		}
	}
	return 0, false
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

func (a *AWSExecutor) quarantineInstance(ctx context.Context, finding types.Finding, fallbackKey string) error {
	if a.cfg.QuarantineSecurityGroup == "" {
		return fmt.Errorf("quarantine security group not configured: %w", ErrUnsupportedAction)
	}

	instanceID := finding.Attr("instance_id")
	if !IsInstanceID(instanceID) {
		instanceID = finding.Attr(fallbackKey)
	}
	if !IsInstanceID(instanceID) {
		return fmt.Errorf("no EC2 instance id in instance_id or %s attributes", fallbackKey)
	}

	_, err := a.ec2Client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Groups:     []string{a.cfg.QuarantineSecurityGroup},
	})
	if err != nil {
		return fmt.Errorf("quarantine instance %s: %w", instanceID, err)
	}
	return nil
}

func (a *AWSExecutor) putUserPolicy(ctx context.Context, user, name string, document policyDocument) error {
	if err := validatePrincipal(user); err != nil {
		return err
	}

	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal policy %s: %w", name, err)
	}

	_, err = a.iamClient.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       aws.String(user),
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("put user policy %s on %s: %w", name, user, err)
	}
	return nil
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string                       `json:"Effect"`
	Action    string                       `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

func lockoutPolicy() policyDocument {
	return policyDocument{
		Version:   "2012-10-17",
		Statement: []policyStatement{{Effect: "Deny", Action: "*", Resource: "*"}},
	}
}

// revokeSessionsPolicy denies every token issued before now, which is how
// IAM invalidates live sessions
func revokeSessionsPolicy(now time.Time) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:   "Deny",
			Action:   "*",
			Resource: "*",
			Condition: map[string]map[string]string{
				"DateLessThan": {"aws:TokenIssueTime": now.UTC().Format(time.RFC3339)},
			},
		}},
	}
}

func toCIDR(address string) (string, bool, error) {
	if strings.Contains(address, "/") {
		ip, network, err := net.ParseCIDR(address)
		if err != nil {
			return "", false, fmt.Errorf("parse cidr %q: %w", address, err)
		}
		return network.String(), ip.To4() == nil, nil
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return "", false, fmt.Errorf("%q is not an IP address: %w", address, ErrUnsupportedAction)
	}
	if ip.To4() != nil {
		return ip.String() + "/32", false, nil
	}
	return ip.String() + "/128", true, nil
}
