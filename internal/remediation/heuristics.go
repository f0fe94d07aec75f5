package remediation

import "strings"

// DefaultProductionMarkers are the substrings that mark a resource
// identifier as production.
var DefaultProductionMarkers = []string{"prod", "production", "prd"}

// NameMatcher is a pluggable predicate over resource identifiers.
type NameMatcher func(resourceID string) bool

// ProductionNameMatcher returns a case-insensitive substring matcher over the
// given markers. An empty marker list falls back to DefaultProductionMarkers.
func ProductionNameMatcher(markers []string) NameMatcher {
	if len(markers) == 0 {
		markers = DefaultProductionMarkers
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return func(resourceID string) bool {
		id := strings.ToLower(resourceID)
		for _, m := range lowered {
			if strings.Contains(id, m) {
				return true
			}
		}
		return false
	}
}

// Resource types with dedicated handling.
const (
	ResourceStorageBucket       = "storage-bucket"
	ResourceDatabaseInstance    = "database-instance"
	ResourceIdentityRole        = "identity-role"
	ResourceIdentityPolicy      = "identity-policy"
	ResourceNetworkIngressGroup = "network-ingress-group"
	ResourceVirtualNetwork      = "virtual-network"
	ResourceEncryptionKey       = "encryption-key"
	ResourceAuditTrail          = "audit-trail"
)

// Remediation types.
const (
	RemediationEnableBucketEncryption  = "enable-bucket-encryption"
	RemediationBlockPublicAccess       = "block-public-access"
	RemediationEnableVersioning        = "enable-versioning"
	RemediationEnableEncryption        = "enable-encryption"
	RemediationDisablePublicAccess     = "disable-public-access"
	RemediationEnableBackups           = "enable-backups"
	RemediationModifyPermissions       = "modify-permissions"
	RemediationRestrictIngress         = "restrict-ingress"
	RemediationEnableFlowLogs          = "enable-flow-logs"
	RemediationEnableKeyRotation       = "enable-key-rotation"
	RemediationEnableLogFileValidation = "enable-log-file-validation"
	RemediationDeleteResource          = "delete-resource"
	RemediationChangeEncryption        = "change-encryption"
)
