// Package transfer runs a complete batch transfer: it encrypts and chunks the archive, opens a session,
// uploads the parts, closes the session and waits for the server to finish processing. Receiver runs the
// reverse path for artifacts produced by the server.
package transfer

import (
	"encoding/base64"
	"fmt"

	"github.com/bitrise-io/go-einvoice/network"
	"github.com/bitrise-io/go-einvoice/transfer/chunk"
	"github.com/bitrise-io/go-einvoice/transfer/download"
	"github.com/bitrise-io/go-einvoice/transfer/encryption"
	"github.com/bitrise-io/go-einvoice/transfer/upload"
)

// Manifest describes a transfer to the server: the whole-file digest, one entry per encrypted part and
// the transfer key in sealed form.
type Manifest struct {
	TransferID string
	FileDigest chunk.ContentDigest
	Parts      []ManifestPart
	SealedKey  []byte
	IV         []byte
	IVMode     encryption.IVMode
}

// ManifestPart ...
type ManifestPart struct {
	Ordinal  int
	FileName string
	Digest   chunk.ContentDigest
}

// PartFileName names an encrypted part of a transfer.
func PartFileName(transferID string, ordinal int) string {
	return fmt.Sprintf("%s-part-%d.aes", transferID, ordinal)
}

// NewManifest describes the encrypted parts of a plaintext with the given digest.
func NewManifest(transferID string, plaintext chunk.ContentDigest, parts []chunk.Part, material *encryption.Material) Manifest {
	m := Manifest{
		TransferID: transferID,
		FileDigest: plaintext,
		SealedKey:  material.SealedKey(),
		IV:         material.IV(),
		IVMode:     material.Mode(),
	}
	for _, p := range parts {
		m.Parts = append(m.Parts, ManifestPart{
			Ordinal:  p.Ordinal,
			FileName: PartFileName(transferID, p.Ordinal),
			Digest:   p.Digest,
		})
	}
	return m
}

// Request converts the manifest into the open-session request body.
func (m Manifest) Request() network.OpenSessionRequest {
	request := network.OpenSessionRequest{
		TransferID: m.TransferID,
		FileDigest: digestDTO(m.FileDigest),
		Parts:      make([]network.PartDTO, 0, len(m.Parts)),
		Encryption: network.EncryptionDTO{
			EncryptedSymmetricKey: base64.StdEncoding.EncodeToString(m.SealedKey),
			InitializationVector:  base64.StdEncoding.EncodeToString(m.IV),
			IVMode:                string(m.IVMode),
		},
	}
	for _, p := range m.Parts {
		request.Parts = append(request.Parts, network.PartDTO{
			OrdinalNumber: p.Ordinal,
			FileName:      p.FileName,
			FileSize:      p.Digest.Size,
			FileHash:      p.Digest.Base64(),
		})
	}
	return request
}

func digestDTO(d chunk.ContentDigest) network.DigestDTO {
	return network.DigestDTO{FileSize: d.Size, FileHash: d.Base64()}
}

// SlotsFromDTO converts the upload slots issued by the server.
func SlotsFromDTO(dtos []network.UploadSlotDTO) []upload.Slot {
	slots := make([]upload.Slot, 0, len(dtos))
	for _, dto := range dtos {
		slots = append(slots, upload.Slot{
			Ordinal: dto.OrdinalNumber,
			Method:  dto.Method,
			URL:     dto.URL,
			Headers: dto.Headers,
		})
	}
	return slots
}

// LocationsFromDTO converts the download locations of an artifact.
func LocationsFromDTO(dtos []network.DownloadPartDTO) ([]download.Location, error) {
	locations := make([]download.Location, 0, len(dtos))
	for _, dto := range dtos {
		l := download.Location{
			Ordinal: dto.OrdinalNumber,
			Method:  dto.Method,
			URL:     dto.URL,
			Headers: dto.Headers,
		}
		if dto.FileHash != "" {
			digest, err := chunk.ParseDigest(dto.FileSize, dto.FileHash)
			if err != nil {
				return nil, fmt.Errorf("part %d: %w", dto.OrdinalNumber, err)
			}
			l.Digest = digest
		}
		locations = append(locations, l)
	}
	return locations, nil
}
