package schema

import "github.com/roach88/leafsync/internal/fact"

// Document attribute names.
const (
	AttrCardBlock    = "card/block"
	AttrBlockType    = "block/type"
	AttrHeadingLevel = "block/heading-level"
	AttrBlockText    = "block/text"
	AttrBlockImage   = "block/image"
	AttrRSVPStatus   = "rsvp/status"
)

// Block type cases for the block/type union.
const (
	BlockText        = "text"
	BlockHeading     = "heading"
	BlockImage       = "image"
	BlockRSVP        = "rsvp"
	BlockMailingList = "mailing-list"
)

// RSVP status cases for the rsvp/status union.
const (
	RSVPGoing    = "GOING"
	RSVPNotGoing = "NOT_GOING"
	RSVPMaybe    = "MAYBE"
)

// Leaflet returns the document attribute registry.
func Leaflet() *Registry {
	r, err := NewRegistry([]Attribute{
		{Name: AttrCardBlock, Kind: fact.KindRef, Cardinality: Many},
		{Name: AttrBlockType, Kind: fact.KindUnion, Cardinality: One,
			UnionCases: []string{BlockText, BlockHeading, BlockImage, BlockRSVP, BlockMailingList}},
		{Name: AttrHeadingLevel, Kind: fact.KindInt, Cardinality: One},
		{Name: AttrBlockText, Kind: fact.KindBlob, Cardinality: One},
		{Name: AttrBlockImage, Kind: fact.KindImage, Cardinality: One},
		{Name: AttrRSVPStatus, Kind: fact.KindUnion, Cardinality: One,
			UnionCases: []string{RSVPGoing, RSVPNotGoing, RSVPMaybe}},
	})
	if err != nil {
		panic(err) // static declarations, cannot fail
	}
	return r
}
