package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/catherinevee/remediator/internal/remediation"
)

var openCIDRs = []string{"0.0.0.0/0", "::/0"}

// ingressRule is one (permission, range) pair of a security group.
type ingressRule struct {
	Protocol    string `json:"protocol"`
	FromPort    *int32 `json:"fromPort,omitempty"`
	ToPort      *int32 `json:"toPort,omitempty"`
	CIDR        string `json:"cidr"`
	IPv6        bool   `json:"ipv6,omitempty"`
	Description string `json:"description,omitempty"`
}

func (r ingressRule) String() string {
	if r.Protocol == "-1" {
		return "all traffic from " + r.CIDR
	}
	return fmt.Sprintf("%s/%d-%d from %s", r.Protocol, aws.ToInt32(r.FromPort), aws.ToInt32(r.ToPort), r.CIDR)
}

func (r ingressRule) covers(port int32) bool {
	if r.Protocol == "-1" || r.FromPort == nil {
		return true
	}
	return aws.ToInt32(r.FromPort) <= port && port <= aws.ToInt32(r.ToPort)
}

func (r ingressRule) permission() ec2types.IpPermission {
	p := ec2types.IpPermission{
		IpProtocol: aws.String(r.Protocol),
		FromPort:   r.FromPort,
		ToPort:     r.ToPort,
	}
	var desc *string
	if r.Description != "" {
		desc = aws.String(r.Description)
	}
	if r.IPv6 {
		p.Ipv6Ranges = []ec2types.Ipv6Range{{CidrIpv6: aws.String(r.CIDR), Description: desc}}
	} else {
		p.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(r.CIDR), Description: desc}}
	}
	return p
}

// flattenRules expands permissions into one rule per CIDR range.
func flattenRules(perms []ec2types.IpPermission) []ingressRule {
	var rules []ingressRule
	for _, p := range perms {
		base := ingressRule{Protocol: aws.ToString(p.IpProtocol), FromPort: p.FromPort, ToPort: p.ToPort}
		for _, r := range p.IpRanges {
			rule := base
			rule.CIDR = aws.ToString(r.CidrIp)
			rule.Description = aws.ToString(r.Description)
			rules = append(rules, rule)
		}
		for _, r := range p.Ipv6Ranges {
			rule := base
			rule.CIDR = aws.ToString(r.CidrIpv6)
			rule.IPv6 = true
			rule.Description = aws.ToString(r.Description)
			rules = append(rules, rule)
		}
	}
	return rules
}

func (c *Clients) securityGroupRules(ctx context.Context, groupID string) ([]ingressRule, error) {
	out, err := c.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe security group: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group %s not found", groupID)
	}
	return flattenRules(out.SecurityGroups[0].IpPermissions), nil
}

type restrictIngressParams struct {
	CIDRs []string `json:"cidrs" validate:"omitempty,dive,cidr"`
	Ports []int32  `json:"ports" validate:"omitempty,dive,min=0,max=65535"`
}

type restrictIngressRollback struct {
	GroupID string        `json:"groupId"`
	Rules   []ingressRule `json:"rules"`
}

type restrictIngressHandler struct{ c *Clients }

func (h *restrictIngressHandler) Kind() Kind {
	return Kind{remediation.ResourceNetworkIngressGroup, remediation.RemediationRestrictIngress}
}

func (h *restrictIngressHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskMedium,
		AffectedResources: 1,
		Description:       "Revoke ingress rules open to the internet; clients relying on them lose connectivity",
		Mitigations: []string{
			"Revoked rules are recorded and can be re-authorized individually",
			"Check load balancer and bastion access paths first",
		},
	}
}

func (h *restrictIngressHandler) ValidateParams(resourceID string, params remediation.Parameters) error {
	var p restrictIngressParams
	return DecodeParams(resourceID, params, &p)
}

func (h *restrictIngressHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	var p restrictIngressParams
	if err := DecodeParams(req.ResourceID, req.Parameters, &p); err != nil {
		return nil, err
	}
	if len(p.CIDRs) == 0 {
		p.CIDRs = openCIDRs
	}

	groupID := req.ResourceID
	rules, err := h.c.securityGroupRules(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var revoke []ingressRule
	for _, rule := range rules {
		if !contains(p.CIDRs, rule.CIDR) {
			continue
		}
		if len(p.Ports) > 0 && !coversAny(rule, p.Ports) {
			continue
		}
		revoke = append(revoke, rule)
	}

	if len(revoke) == 0 {
		return &remediation.ExecutionResult{
			Success:            true,
			RollbackDescriptor: remediation.ManualRollback(h.Kind().String(), "No change was made; no matching ingress rules were found"),
			Message:            fmt.Sprintf("no matching ingress rules on %s", groupID),
		}, nil
	}

	changes := make([]remediation.Change, 0, len(revoke))
	perms := make([]ec2types.IpPermission, 0, len(revoke))
	for _, rule := range revoke {
		changes = append(changes, remediation.Change{
			Action:   "revoke-security-group-ingress",
			Resource: groupID,
			Before:   rule.String(),
			After:    nil,
		})
		perms = append(perms, rule.permission())
	}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	if _, err := h.c.EC2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: perms,
	}); err != nil && errorCode(err) != "InvalidPermission.NotFound" {
		return nil, fmt.Errorf("failed to revoke ingress rules: %w", err)
	}

	desc, err := AutomatedRollback(h.Kind(), restrictIngressRollback{GroupID: groupID, Rules: revoke},
		fmt.Sprintf("Re-authorize the %d revoked ingress rule(s) on %s", len(revoke), groupID))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("revoked %d ingress rule(s) on %s", len(revoke), groupID),
	}, nil
}

// Rollback re-authorizes each rule separately so one rejected rule does not
// block the others.
func (h *restrictIngressHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb restrictIngressRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("authorize-security-group-ingress", "", err)}
	}

	outcomes := make([]remediation.ActionOutcome, 0, len(rb.Rules))
	for _, rule := range rb.Rules {
		action := "authorize " + rule.String()
		if err := h.c.mutate(ctx); err != nil {
			outcomes = append(outcomes, failure(action, rb.GroupID, err))
			continue
		}
		_, err := h.c.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(rb.GroupID),
			IpPermissions: []ec2types.IpPermission{rule.permission()},
		})
		if err != nil && errorCode(err) != "InvalidPermission.Duplicate" {
			outcomes = append(outcomes, failure(action, rb.GroupID, err))
			continue
		}
		outcomes = append(outcomes, success(action, rb.GroupID))
	}
	return outcomes
}

type flowLogsParams struct {
	LogGroupName             string `json:"logGroupName" validate:"required"`
	DeliverLogsPermissionARN string `json:"deliverLogsPermissionArn" validate:"required"`
	TrafficType              string `json:"trafficType" validate:"omitempty,oneof=ACCEPT REJECT ALL"`
}

type flowLogsRollback struct {
	VPCID      string   `json:"vpcId"`
	FlowLogIDs []string `json:"flowLogIds"`
}

type flowLogsHandler struct{ c *Clients }

func (h *flowLogsHandler) Kind() Kind {
	return Kind{remediation.ResourceVirtualNetwork, remediation.RemediationEnableFlowLogs}
}

func (h *flowLogsHandler) Baseline() remediation.ImpactEstimate {
	return remediation.ImpactEstimate{
		RiskLevel:         remediation.RiskLow,
		AffectedResources: 1,
		CostImpact:        15,
		Description:       "Publish VPC flow logs to CloudWatch Logs; no traffic is affected",
		Mitigations:       []string{"Set a retention policy on the log group"},
	}
}

func (h *flowLogsHandler) ValidateParams(resourceID string, params remediation.Parameters) error {
	var p flowLogsParams
	return DecodeParams(resourceID, params, &p)
}

func (h *flowLogsHandler) Execute(ctx context.Context, req remediation.Request) (*remediation.ExecutionResult, error) {
	var p flowLogsParams
	if err := DecodeParams(req.ResourceID, req.Parameters, &p); err != nil {
		return nil, err
	}
	if p.TrafficType == "" {
		p.TrafficType = string(ec2types.TrafficTypeAll)
	}

	vpcID := req.ResourceID
	existing, err := h.c.EC2.DescribeFlowLogs(ctx, &ec2.DescribeFlowLogsInput{
		Filter: []ec2types.Filter{{Name: aws.String("resource-id"), Values: []string{vpcID}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe flow logs: %w", err)
	}
	if len(existing.FlowLogs) > 0 {
		return &remediation.ExecutionResult{
			Success:            true,
			RollbackDescriptor: remediation.ManualRollback(h.Kind().String(), "No change was made; flow logs were already enabled"),
			Message:            fmt.Sprintf("flow logs already enabled on %s", vpcID),
		}, nil
	}

	changes := []remediation.Change{{
		Action:   "create-flow-logs",
		Resource: vpcID,
		Before:   nil,
		After:    map[string]any{"logGroupName": p.LogGroupName, "trafficType": p.TrafficType},
	}}

	if req.DryRun {
		return DryRunResult(h.Kind(), changes), nil
	}

	if err := h.c.mutate(ctx); err != nil {
		return nil, err
	}
	out, err := h.c.EC2.CreateFlowLogs(ctx, &ec2.CreateFlowLogsInput{
		ResourceIds:              []string{vpcID},
		ResourceType:             ec2types.FlowLogsResourceTypeVpc,
		TrafficType:              ec2types.TrafficType(p.TrafficType),
		LogGroupName:             aws.String(p.LogGroupName),
		DeliverLogsPermissionArn: aws.String(p.DeliverLogsPermissionARN),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow logs: %w", err)
	}
	if len(out.Unsuccessful) > 0 {
		msg := "unknown error"
		if out.Unsuccessful[0].Error != nil {
			msg = aws.ToString(out.Unsuccessful[0].Error.Message)
		}
		return nil, fmt.Errorf("failed to create flow logs: %s", msg)
	}

	desc, err := AutomatedRollback(h.Kind(), flowLogsRollback{VPCID: vpcID, FlowLogIDs: out.FlowLogIds},
		fmt.Sprintf("Delete flow logs %v from %s", out.FlowLogIds, vpcID))
	if err != nil {
		return nil, err
	}

	return &remediation.ExecutionResult{
		Success:            true,
		Changes:            changes,
		RollbackDescriptor: desc,
		Message:            fmt.Sprintf("flow logs enabled on %s", vpcID),
	}, nil
}

func (h *flowLogsHandler) Rollback(ctx context.Context, data json.RawMessage) []remediation.ActionOutcome {
	var rb flowLogsRollback
	if err := json.Unmarshal(data, &rb); err != nil {
		return []remediation.ActionOutcome{failure("delete-flow-logs", "", err)}
	}
	if len(rb.FlowLogIDs) == 0 {
		return []remediation.ActionOutcome{skipped("delete-flow-logs", rb.VPCID, "no flow logs were created")}
	}

	if err := h.c.mutate(ctx); err != nil {
		return []remediation.ActionOutcome{failure("delete-flow-logs", rb.VPCID, err)}
	}
	out, err := h.c.EC2.DeleteFlowLogs(ctx, &ec2.DeleteFlowLogsInput{FlowLogIds: rb.FlowLogIDs})
	if err != nil {
		return []remediation.ActionOutcome{failure("delete-flow-logs", rb.VPCID, err)}
	}

	failed := make(map[string]string)
	for _, item := range out.Unsuccessful {
		msg := "unknown error"
		if item.Error != nil {
			msg = aws.ToString(item.Error.Message)
		}
		failed[aws.ToString(item.ResourceId)] = msg
	}

	outcomes := make([]remediation.ActionOutcome, 0, len(rb.FlowLogIDs))
	for _, id := range rb.FlowLogIDs {
		if msg, ok := failed[id]; ok {
			outcomes = append(outcomes, failure("delete-flow-log", id, fmt.Errorf("%s", msg)))
			continue
		}
		outcomes = append(outcomes, success("delete-flow-log", id))
	}
	return outcomes
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func coversAny(rule ingressRule, ports []int32) bool {
	for _, port := range ports {
		if rule.covers(port) {
			return true
		}
	}
	return false
}
