/***************************************************************
 *
 * Copyright (C) 2025, Vernis Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package mediacache

import "path"

// SizeVariant is a named transformation profile.  Static configuration;
// never persisted per asset.  The transformation itself happens in the
// imaging pipeline at upload time -- this package only caches the signed
// URLs that reference the transformed objects.
type SizeVariant struct {
	Name    string
	Width   int
	Height  int
	Quality int
	Format  string
}

// Variants is the full profile table, keyed by name.
var Variants = map[string]SizeVariant{
	"thumbnail": {Name: "thumbnail", Width: 150, Height: 150, Quality: 70, Format: "webp"},
	"small":     {Name: "small", Width: 320, Height: 320, Quality: 75, Format: "webp"},
	"medium":    {Name: "medium", Width: 640, Height: 640, Quality: 80, Format: "webp"},
	"large":     {Name: "large", Width: 1280, Height: 1280, Quality: 85, Format: "webp"},
	"gallery":   {Name: "gallery", Width: 1600, Height: 1200, Quality: 85, Format: "webp"},
	"detail":    {Name: "detail", Width: 2048, Height: 2048, Quality: 90, Format: "jpeg"},
	"social":    {Name: "social", Width: 1200, Height: 630, Quality: 80, Format: "jpeg"},
}

// StoragePath maps an original object path to the variant's derived
// object path in the bucket.
func (v SizeVariant) StoragePath(originalPath string) string {
	return path.Join("variants", v.Name, originalPath)
}
