package update

import "strings"

// DeriveTroubleshooting maps diagnostic text onto retryability and suggested
// operator actions. The action list is never empty.
func DeriveTroubleshooting(diagnostic string) *Troubleshooting {
	d := strings.ToLower(diagnostic)
	switch {
	case strings.Contains(d, "disk space") || strings.Contains(d, "no space left"):
		return &Troubleshooting{
			CanRetry: false,
			SuggestedActions: []string{
				"Free up disk space on the device",
				"Remove old log files and cached downloads",
				"Retry the update once space is available",
			},
		}
	case strings.Contains(d, "permission denied") || strings.Contains(d, "operation not permitted"):
		return &Troubleshooting{
			CanRetry: false,
			SuggestedActions: []string{
				"Check that the update script is executable",
				"Check that the service runs with sufficient privileges",
			},
		}
	case strings.Contains(d, "rate limit"):
		return &Troubleshooting{
			CanRetry: true,
			SuggestedActions: []string{
				"Wait for the upstream API rate limit to reset",
				"Configure an API token to raise the rate limit",
			},
		}
	case strings.Contains(d, "network") || strings.Contains(d, "connection") ||
		strings.Contains(d, "timed out") || strings.Contains(d, "timeout") ||
		strings.Contains(d, "temporary failure"):
		return &Troubleshooting{
			CanRetry: true,
			SuggestedActions: []string{
				"Check the device's network connection",
				"Retry the update once connectivity is restored",
			},
		}
	default:
		return &Troubleshooting{
			CanRetry: true,
			SuggestedActions: []string{
				"Check the service logs for details",
				"Retry the update",
				"Restart the device if the problem persists",
			},
		}
	}
}
