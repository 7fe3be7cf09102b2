// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokensession.
//
// go-tokensession is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package health

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-tokensession/pkg/provider"
)

// ProviderCounts returns a function reporting how many configured
// provider libraries exist on disk and how many are missing.
func ProviderCounts(reg *provider.Registry, exists func(path string) bool) func() (present, missing int) {
	return func() (int, int) {
		present, missing := 0, 0
		for _, e := range reg.List() {
			if exists(e.Library) {
				present++
			} else {
				missing++
			}
		}
		return present, missing
	}
}

// ProviderCheck is healthy when every configured library is installed,
// degraded when only some are and unhealthy when none are. A daemon
// without any installed driver cannot open a session.
func ProviderCheck(reg *provider.Registry, exists func(path string) bool) CheckFunc {
	counts := ProviderCounts(reg, exists)
	return func(ctx context.Context) CheckResult {
		present, missing := counts()
		result := CheckResult{
			Name:    "providers",
			Message: fmt.Sprintf("%d of %d provider libraries installed", present, present+missing),
		}
		switch {
		case present == 0:
			result.Status = StatusUnhealthy
			result.Error = "no provider library is installed"
		case missing > 0:
			result.Status = StatusDegraded
		default:
			result.Status = StatusHealthy
		}
		return result
	}
}

// SessionCheck reports the number of cached sessions. It is always
// healthy; expired sessions are the sweeper's concern.
func SessionCheck(count func() int) CheckFunc {
	return func(ctx context.Context) CheckResult {
		return CheckResult{
			Name:    "sessions",
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d active sessions", count()),
		}
	}
}
