package types

type CsMagic uint32

const (
	// Magic numbers used by Code Signing
	CSMAGIC_REQUIREMENT            CsMagic = 0xfade0c00 // single Requirement blob
	CSMAGIC_REQUIREMENTS           CsMagic = 0xfade0c01 // Requirements vector (internal requirements)
	CSMAGIC_CODEDIRECTORY          CsMagic = 0xfade0c02 // CodeDirectory blob
	CSMAGIC_EMBEDDED_SIGNATURE     CsMagic = 0xfade0cc0 // embedded form of signature data
	CSMAGIC_EMBEDDED_SIGNATURE_OLD CsMagic = 0xfade0b02 /* XXX */
	CSMAGIC_EMBEDDED_ENTITLEMENTS  CsMagic = 0xfade7171 /* embedded entitlements */
	CSMAGIC_DETACHED_SIGNATURE     CsMagic = 0xfade0cc1 // multi-arch collection of embedded signatures
	CSMAGIC_BLOBWRAPPER            CsMagic = 0xfade0b01 // used for the cms blob
)

var csMagicStrings = []IntName{
	{uint32(CSMAGIC_REQUIREMENT), "Requirement"},
	{uint32(CSMAGIC_REQUIREMENTS), "Requirements"},
	{uint32(CSMAGIC_CODEDIRECTORY), "Codedirectory"},
	{uint32(CSMAGIC_EMBEDDED_SIGNATURE), "Embedded Signature"},
	{uint32(CSMAGIC_EMBEDDED_SIGNATURE_OLD), "Embedded Signature (Old)"},
	{uint32(CSMAGIC_EMBEDDED_ENTITLEMENTS), "Embedded Entitlements"},
	{uint32(CSMAGIC_DETACHED_SIGNATURE), "Detached Signature"},
	{uint32(CSMAGIC_BLOBWRAPPER), "Blob Wrapper"},
}

func (cm CsMagic) String() string   { return StringName(uint32(cm), csMagicStrings, false) }
func (cm CsMagic) GoString() string { return StringName(uint32(cm), csMagicStrings, true) }
