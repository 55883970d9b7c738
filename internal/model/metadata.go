package model

import (
	"encoding/json"
	"fmt"
)

// MetadataVersion is the current record metadata schema version.
const MetadataVersion = 2

// MetadataKind tags which variant of Metadata a record carries.
type MetadataKind string

const (
	KindInteraction MetadataKind = "interaction"
	KindPromotion   MetadataKind = "promotion"
)

// Metadata is the versioned, tagged metadata attached to a record. Exactly one
// of the variant pointers is set, matching Kind.
type Metadata struct {
	Version     int                  `json:"version"`
	Kind        MetadataKind         `json:"kind"`
	Interaction *InteractionMetadata `json:"interaction,omitempty"`
	Promotion   *PromotionMetadata   `json:"promotion,omitempty"`
}

// InteractionMetadata describes a captured interaction.
type InteractionMetadata struct {
	Source     string            `json:"source,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PromotionMetadata describes a semantic record created by promotion.
type PromotionMetadata struct {
	SourceID       string `json:"source_id"`
	SourceTier     Tier   `json:"source_tier"`
	SourceAccesses int    `json:"source_accesses"`
	Summarizer     string `json:"summarizer"`
}

// NewInteractionMetadata builds interaction metadata at the current version.
func NewInteractionMetadata(source string, attrs map[string]string) Metadata {
	return Metadata{
		Version:     MetadataVersion,
		Kind:        KindInteraction,
		Interaction: &InteractionMetadata{Source: source, Attributes: attrs},
	}
}

// NewPromotionMetadata builds promotion metadata at the current version.
func NewPromotionMetadata(src *MemoryRecord, summarizer string) Metadata {
	return Metadata{
		Version: MetadataVersion,
		Kind:    KindPromotion,
		Promotion: &PromotionMetadata{
			SourceID:       src.ID,
			SourceTier:     src.Tier,
			SourceAccesses: src.TotalAccesses,
			Summarizer:     summarizer,
		},
	}
}

// Validate checks that the variant matches the kind.
func (m Metadata) Validate() error {
	switch m.Kind {
	case KindInteraction:
		if m.Interaction == nil || m.Promotion != nil {
			return fmt.Errorf("metadata kind %q: wrong variant", m.Kind)
		}
	case KindPromotion:
		if m.Promotion == nil || m.Interaction != nil {
			return fmt.Errorf("metadata kind %q: wrong variant", m.Kind)
		}
	default:
		return fmt.Errorf("unknown metadata kind %q", m.Kind)
	}
	return nil
}

// legacyMetadata is the version 1 layout: an untyped attribute bag.
type legacyMetadata struct {
	Source     string            `json:"source"`
	Attributes map[string]string `json:"attributes"`
	PromotedBy string            `json:"promoted_from"`
}

// UpgradeMetadata decodes stored metadata of any known version and returns it
// at MetadataVersion. Empty input yields empty interaction metadata.
func UpgradeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return NewInteractionMetadata("", nil), nil
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata version: %w", err)
	}

	switch probe.Version {
	case 0, 1:
		var old legacyMetadata
		if err := json.Unmarshal(raw, &old); err != nil {
			return Metadata{}, fmt.Errorf("decode v1 metadata: %w", err)
		}
		if old.PromotedBy != "" {
			return Metadata{
				Version:   MetadataVersion,
				Kind:      KindPromotion,
				Promotion: &PromotionMetadata{SourceID: old.PromotedBy, SourceTier: TierEpisodic},
			}, nil
		}
		return NewInteractionMetadata(old.Source, old.Attributes), nil
	case MetadataVersion:
		var m Metadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return Metadata{}, fmt.Errorf("decode metadata: %w", err)
		}
		if err := m.Validate(); err != nil {
			return Metadata{}, err
		}
		return m, nil
	default:
		return Metadata{}, fmt.Errorf("unsupported metadata version %d", probe.Version)
	}
}
