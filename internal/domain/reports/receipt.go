// Package reports renders printable documents from billing data and
// archives them to object storage.
package reports

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/domain/billing"
	"github.com/matokham-ai/hospital-sub013/internal/platform/blobstore"
)

//go:embed templates/*.html
var templateFS embed.FS

var receiptTemplate = template.Must(template.New("receipt.html").Funcs(template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"date": func(v interface{}) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format("02 Jan 2006 15:04")
		case *time.Time:
			if t == nil {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		}
		return ""
	},
}).ParseFS(templateFS, "templates/receipt.html"))

// InvoiceSource loads an invoice with its items and payments.
type InvoiceSource interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error)
	PatientContact(ctx context.Context, patientID uuid.UUID) (name, email string, err error)
}

type receiptData struct {
	Hospital    string
	Currency    string
	PatientName string
	Invoice     *billing.Invoice
	GeneratedAt time.Time
}

// Archived describes a stored receipt.
type Archived struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	invoices  InvoiceSource
	store     blobstore.Store
	hospital  string
	currency  string
	urlExpiry time.Duration
	now       func() time.Time
}

func NewService(invoices InvoiceSource, store blobstore.Store, hospital, currency string, urlExpiry time.Duration) *Service {
	if urlExpiry <= 0 {
		urlExpiry = 24 * time.Hour
	}
	return &Service{
		invoices:  invoices,
		store:     store,
		hospital:  hospital,
		currency:  currency,
		urlExpiry: urlExpiry,
		now:       time.Now,
	}
}

// Receipt renders the invoice as a standalone HTML page.
func (s *Service) Receipt(ctx context.Context, invoiceID uuid.UUID) ([]byte, *billing.Invoice, error) {
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	name, _, err := s.invoices.PatientContact(ctx, inv.PatientID)
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	err = receiptTemplate.Execute(&buf, receiptData{
		Hospital:    s.hospital,
		Currency:    s.currency,
		PatientName: name,
		Invoice:     inv,
		GeneratedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("render receipt %s: %w", inv.InvoiceNumber, err)
	}
	return buf.Bytes(), inv, nil
}

// ReceiptKey is the object key for an invoice's receipt.
func ReceiptKey(inv *billing.Invoice) string {
	return fmt.Sprintf("receipts/%d/%s.html", inv.IssuedAt.Year(), inv.InvoiceNumber)
}

// Archive renders the receipt, stores it and returns a time-limited link.
// Archiving again overwrites the stored copy with the current state.
func (s *Service) Archive(ctx context.Context, invoiceID uuid.UUID) (*Archived, error) {
	body, inv, err := s.Receipt(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	key := ReceiptKey(inv)
	info, err := s.store.Put(ctx, key, bytes.NewReader(body), blobstore.PutOptions{
		ContentType: "text/html; charset=utf-8",
		Size:        int64(len(body)),
		Metadata: map[string]string{
			"invoice-id": inv.ID.String(),
			"status":     inv.Status,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store receipt %s: %w", key, err)
	}
	url, err := s.store.PresignGet(ctx, key, s.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign receipt %s: %w", key, err)
	}
	return &Archived{
		Key:       key,
		Size:      info.Size,
		ETag:      info.ETag,
		URL:       url,
		ExpiresAt: s.now().UTC().Add(s.urlExpiry),
	}, nil
}
