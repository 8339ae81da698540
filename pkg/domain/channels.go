package domain

// Channel is one fluorescence imaging modality captured per acquisition.
type Channel int

// The five channels in archival column order.
const (
	ChannelGolgi Channel = iota
	ChannelHoechst
	ChannelER
	ChannelMito
	ChannelERBleed
)

// ChannelCount is the number of channels recorded for every image.
const ChannelCount = 5

// Channels lists all channels in archival column order.
var Channels = [ChannelCount]Channel{ChannelGolgi, ChannelHoechst, ChannelER, ChannelMito, ChannelERBleed}

type channelInfo struct {
	column string // canonical output column
	folder string // per-channel picture folder suffix
	source string // archival Image table column
}

var channelTable = [ChannelCount]channelInfo{
	ChannelGolgi:   {column: "ph_golgi", folder: "Ph_golgi", source: "Image_URL_OrigAGP"},
	ChannelHoechst: {column: "hoechst", folder: "Hoechst", source: "Image_URL_OrigDNA"},
	ChannelER:      {column: "er_syto", folder: "ERSyto", source: "Image_URL_OrigER"},
	ChannelMito:    {column: "mito", folder: "Mito", source: "Image_URL_OrigMito"},
	ChannelERBleed: {column: "er_syto_bleed", folder: "ERSytoBleed", source: "Image_URL_OrigRNA"},
}

// Column returns the canonical output column name of the channel.
func (c Channel) Column() string { return channelTable[c].column }

// Folder returns the folder suffix holding the channel's pictures for a
// plate, e.g. "24277-Ph_golgi".
func (c Channel) Folder() string { return channelTable[c].folder }

// SourceColumn returns the archival Image table column storing the channel path.
func (c Channel) SourceColumn() string { return channelTable[c].source }

// String implements fmt.Stringer.
func (c Channel) String() string { return c.Column() }
