package utils

import "fmt"

// HumanBytes renders a byte count with a 1024-based unit suffix, one
// decimal place above the KB boundary.
func HumanBytes(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "0 B"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
