// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package ptr

// To returns a pointer to a copy of v, used for the optional fields of
// runtime records such as EndedAt or ResolvedAt.
func To[T any](v T) *T {
	return &v
}
