package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/opendlt/accumen-appsdk/engine/abi"
)

// EmbedSection returns bin with a custom section appended. A module keeps the
// first section of each name, so embedding a name the module already carries
// is refused.
func EmbedSection(bin []byte, name string, payload []byte) ([]byte, error) {
	report := AuditModule(bin, AuditOptions{AllowWASI: true, AllowFloat: true})
	if report.Malformed {
		return nil, &LoadError{Kind: Malformed, Reasons: report.Reasons}
	}
	if _, ok := report.Custom[name]; ok {
		return nil, fmt.Errorf("module already has a %s section", name)
	}

	var body []byte
	body = binary.AppendUvarint(body, uint64(len(name)))
	body = append(body, name...)
	body = append(body, payload...)

	out := make([]byte, 0, len(bin)+len(body)+6)
	out = append(out, bin...)
	out = append(out, SectionTypeCustom)
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, body...), nil
}

// EmbedInterface stamps bin with the host interface hash and, when appSchema
// is not empty, with the application's payload schema description.
func EmbedInterface(bin, appSchema []byte) ([]byte, error) {
	hash := abi.InterfaceHash()
	out, err := EmbedSection(bin, abi.InterfaceSection, hash[:])
	if err != nil {
		return nil, err
	}
	if len(appSchema) == 0 {
		return out, nil
	}
	return EmbedSection(out, abi.AppSchemaSection, appSchema)
}
