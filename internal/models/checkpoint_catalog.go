package models

// CheckpointCount is the fixed number of checkpoints on every request.
const CheckpointCount = 20

// CatalogEntry is the fixed definition of one checkpoint.
type CatalogEntry struct {
	Index            int    `json:"index"`
	Question         string `json:"question"`
	RequiresEvidence bool   `json:"requires_evidence"`
}

var checkpointCatalog = [CheckpointCount]CatalogEntry{
	{1, "Is the land free from prohibited substances?", true},
	{2, "Are organic seeds used?", false},
	{3, "Is there a buffer zone?", true},
	{4, "Is crop rotation practiced?", false},
	{5, "Are synthetic fertilizers avoided?", false},
	{6, "Is compost used?", false},
	{7, "Are pesticides organic?", true},
	{8, "Is irrigation water clean?", false},
	{9, "Are records maintained?", false},
	{10, "Is livestock managed organically?", true},
	{11, "Is GMO use avoided?", false},
	{12, "Are buffer zones marked?", true},
	{13, "Is soil tested regularly?", false},
	{14, "Are weeds managed organically?", false},
	{15, "Is manure composted?", false},
	{16, "Are organic certificates displayed?", true},
	{17, "Is equipment cleaned before use?", false},
	{18, "Are storage areas separate?", true},
	{19, "Is packaging eco-friendly?", false},
	{20, "Are transport vehicles clean?", true},
}

// CheckpointCatalog returns a copy of the checkpoint definitions in index order.
func CheckpointCatalog() []CatalogEntry {
	out := make([]CatalogEntry, CheckpointCount)
	copy(out, checkpointCatalog[:])
	return out
}

// CatalogEntryAt returns the definition for a 1-based index.
func CatalogEntryAt(index int) (CatalogEntry, bool) {
	if index < 1 || index > CheckpointCount {
		return CatalogEntry{}, false
	}
	return checkpointCatalog[index-1], true
}
