package domain

// Canonical column names of the merged and annotation record sets.
const (
	ColImageID     = "image_id"
	ColCellCount   = "cell_count"
	ColWell        = "well"
	ColPhotoNumber = "photo_number"
	ColRole        = "role"
	ColDrugID      = "drug_id"
	ColDose        = "dose"
	ColName        = "name"
	ColNameType    = "name_type"
	ColSourceName  = "source_name"
	ColSmiles      = "smiles"
	ColPlate       = "plate"
	// ColMeanArea is the normalized name of the per-image mean cell area.
	ColMeanArea = "MeanArea"
)

// WellColumns lists the canonical well annotation columns in order.
var WellColumns = []string{ColWell, ColRole, ColDrugID, ColDose}

// ChemicalColumns lists the canonical chemical annotation columns in order.
var ChemicalColumns = []string{ColDrugID, ColName, ColNameType, ColSourceName, ColSmiles}
