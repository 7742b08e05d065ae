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

// Package mediacache holds the cache-entry data model for signed media
// URLs: asset references, size variants, entry validation, and the store
// combining persisted primary entries with a short-lived variant cache.
package mediacache

import "fmt"

// Slot names one displayable image of an artwork.  The slot set is
// statically known: the main image plus up to four frame previews.
type Slot string

const (
	SlotMain   Slot = "main"
	SlotFrame1 Slot = "frame1"
	SlotFrame2 Slot = "frame2"
	SlotFrame3 Slot = "frame3"
	SlotFrame4 Slot = "frame4"
)

// AllSlots is ordered: the main image first, then the frame previews.
var AllSlots = [5]Slot{SlotMain, SlotFrame1, SlotFrame2, SlotFrame3, SlotFrame4}

// FrameSlots excludes the main image.
var FrameSlots = [4]Slot{SlotFrame1, SlotFrame2, SlotFrame3, SlotFrame4}

// AssetRef identifies one displayable image: the owning artwork plus a
// slot.  Immutable once the underlying file is set.
type AssetRef struct {
	ArtworkID uint
	Slot      Slot
}

func (r AssetRef) String() string {
	return fmt.Sprintf("artwork %d/%s", r.ArtworkID, r.Slot)
}
