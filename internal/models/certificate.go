package models

import "time"

// FieldKind tells clients how to present a certificate field.
type FieldKind string

const (
	FieldKindText  FieldKind = "text"
	FieldKindLink  FieldKind = "link"
	FieldKindPDF   FieldKind = "pdf"
	FieldKindImage FieldKind = "image"
	FieldKindQR    FieldKind = "qr"
	FieldKindDate  FieldKind = "date"
	FieldKindHash  FieldKind = "hash"
)

// CertificateField is one labelled value on a certificate.
type CertificateField struct {
	Key   string    `json:"key"`
	Label string    `json:"label"`
	Kind  FieldKind `json:"kind"`
	Value string    `json:"value"`
}

// CertificateDetails is the public view of a certified request.
type CertificateDetails struct {
	RequestID   string             `json:"request_id"`
	ProductName string             `json:"product_name"`
	IssuedAt    time.Time          `json:"issued_at"`
	Fields      []CertificateField `json:"fields"`
}
