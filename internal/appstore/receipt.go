package appstore

import (
	"reflect"
	"sort"
	"time"
)

var responseSchema = &schema{
	entity: "Response",
	opaque: fieldSet("latest_receipt", "environment"),
	adapters: map[string]fieldAdapter{
		"status": {convert: toInt},
	},
	documented: fieldSet(
		"status", "receipt", "latest_receipt", "latest_receipt_info",
		"pending_renewal_info",
	),
	undocumented: fieldSet("environment"),
}

var receiptSchema = &schema{
	entity: "Receipt",
	opaque: fieldSet(
		"bundle_id", "application_version", "original_application_version",
		"receipt_type",
	),
	adapters: map[string]fieldAdapter{
		"app_item_id":                 {convert: toInt},
		"version_external_identifier": {convert: toInt},
		"receipt_creation_date":       {convert: toDateTime},
		"receipt_creation_date_ms":    {convert: toInt},
		"request_date":                {convert: toDateTime},
		"request_date_ms":             {convert: toInt},
		"original_purchase_date":      {convert: toDateTime},
		"original_purchase_date_ms":   {convert: toInt},
		"expiration_date":             {convert: toInt},
	},
	documented: fieldSet(
		"bundle_id", "application_version", "original_application_version",
		"app_item_id", "version_external_identifier", "in_app",
		"receipt_creation_date", "receipt_creation_date_ms",
		"original_purchase_date", "original_purchase_date_ms",
		"expiration_date",
	),
	undocumented: fieldSet(
		"receipt_type", "adam_id", "download_id", "request_date",
		"request_date_ms", "request_date_pst", "receipt_creation_date_pst",
		"original_purchase_date_pst",
	),
}

var purchaseSchema = &schema{
	entity: "Purchase",
	opaque: fieldSet(
		"product_id", "transaction_id", "original_transaction_id",
		"web_order_line_item_id", "unique_identifier", "bid", "bvrs",
		"item_id",
	),
	adapters: map[string]fieldAdapter{
		"quantity":                  {convert: toInt},
		"is_trial_period":           {convert: toBool},
		"is_in_intro_offer_period":  {convert: toBool},
		"purchase_date":             {convert: toDateTime},
		"purchase_date_ms":          {convert: toInt},
		"original_purchase_date":    {convert: toDateTime},
		"original_purchase_date_ms": {convert: toInt},
		"expires_date":              {convert: toExpiresDate},
		"expires_date_ms":           {convert: toInt},
		"expires_date_formatted":    {convert: toDateTime},
		"cancellation_date":         {convert: toDateTime},
		"cancellation_date_ms":      {convert: toInt},
		"cancellation_reason":       {convert: toInt},
	},
	documented: fieldSet(
		"quantity", "product_id", "transaction_id", "original_transaction_id",
		"purchase_date", "purchase_date_ms", "original_purchase_date",
		"original_purchase_date_ms", "expires_date", "expires_date_ms",
		"cancellation_date", "cancellation_date_ms", "cancellation_reason",
		"is_trial_period", "is_in_intro_offer_period",
		"web_order_line_item_id", "expires_date_formatted",
	),
	undocumented: fieldSet(
		"unique_identifier", "bid", "bvrs",
		"item_id", "purchase_date_pst", "original_purchase_date_pst",
		"expires_date_pst", "expires_date_formatted_pst",
		"cancellation_date_pst", "unique_vendor_identifier",
	),
}

var pendingRenewalSchema = &schema{
	entity: "PendingRenewalInfo",
	opaque: fieldSet("auto_renew_product_id", "product_id", "original_transaction_id"),
	adapters: map[string]fieldAdapter{
		"expiration_intent":          {convert: toInt},
		"auto_renew_status":          {convert: toInt},
		"is_in_billing_retry_period": {convert: toInt},
		"price_consent_status":       {convert: toInt},
	},
	documented: fieldSet(
		"expiration_intent", "auto_renew_status", "auto_renew_product_id",
		"is_in_billing_retry_period", "product_id", "original_transaction_id",
		"price_consent_status",
	),
	undocumented: fieldSet(),
}

// Expiration intent values carried by pending_renewal_info.
const (
	ExpirationIntentCanceled           = 1
	ExpirationIntentBillingError       = 2
	ExpirationIntentPriceIncrease      = 3
	ExpirationIntentProductUnavailable = 4
	ExpirationIntentUnknown            = 5
)

// Response is the root of a verification response document.
type Response struct {
	*object
}

// NewResponse wraps a decoded verification response. The document is owned by
// the Response from here on and must not be mutated.
func NewResponse(raw map[string]any) *Response {
	return &Response{object: newObject(raw, responseSchema)}
}

// Status returns the outcome code of the verification call; 0 means success.
func (r *Response) Status() (int64, error) {
	v, err := r.Field("status")
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Receipt lazily builds the decoded receipt entity.
func (r *Response) Receipt() (*Receipt, error) {
	v, err := r.memoize("receipt", func() (any, error) {
		raw, ok := r.Value("receipt")
		if !ok {
			return nil, &MissingFieldError{Field: "receipt"}
		}
		doc, ok := raw.(map[string]any)
		if !ok {
			return nil, &MalformedFieldError{Field: "receipt", Value: raw, Cause: errFieldShape}
		}
		return newReceipt(doc), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Receipt), nil
}

// LatestReceipt returns the base64 blob of the most recent receipt. Present
// only for auto-renewable subscriptions.
func (r *Response) LatestReceipt() (string, error) {
	v, err := r.Field("latest_receipt")
	if err != nil {
		return "", err
	}
	return asString(v)
}

// LatestReceiptInfo returns the most recent transactions of an auto-renewable
// subscription. Older receipts carry a single object, newer ones a list; both
// shapes come back as a slice, in document order.
func (r *Response) LatestReceiptInfo() ([]*Purchase, error) {
	v, err := r.memoize("latest_receipt_info", func() (any, error) {
		raw, ok := r.Value("latest_receipt_info")
		if !ok {
			return nil, &MissingFieldError{Field: "latest_receipt_info"}
		}
		switch value := raw.(type) {
		case map[string]any:
			return []*Purchase{newPurchase(value)}, nil
		case []any:
			return purchasesFromList(value)
		}
		return nil, &MalformedFieldError{Field: "latest_receipt_info", Value: raw, Cause: errFieldShape}
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Purchase), nil
}

// PendingRenewalInfo returns the pending auto-renewal states, one per
// subscription product.
func (r *Response) PendingRenewalInfo() ([]*PendingRenewalInfo, error) {
	v, err := r.memoize("pending_renewal_info", func() (any, error) {
		raw, ok := r.Value("pending_renewal_info")
		if !ok {
			return nil, &MissingFieldError{Field: "pending_renewal_info"}
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, &MalformedFieldError{Field: "pending_renewal_info", Value: raw, Cause: errFieldShape}
		}
		infos := make([]*PendingRenewalInfo, 0, len(list))
		for _, item := range list {
			doc, ok := item.(map[string]any)
			if !ok {
				return nil, &MalformedFieldError{Field: "pending_renewal_info", Value: item, Cause: errFieldShape}
			}
			infos = append(infos, &PendingRenewalInfo{object: newObject(doc, pendingRenewalSchema)})
		}
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*PendingRenewalInfo), nil
}

// Receipt is the decoded receipt owned by its Response.
type Receipt struct {
	*object
}

func newReceipt(raw map[string]any) *Receipt {
	return &Receipt{object: newObject(raw, receiptSchema)}
}

// InApp returns the receipt's transactions. iOS 7 era receipts carry them as
// the in_app list; iOS 6 era receipts are themselves a single purchase, which
// comes back wrapped as a one-element slice.
func (r *Receipt) InApp() ([]*Purchase, error) {
	v, err := r.memoize("in_app", func() (any, error) {
		raw, ok := r.Value("in_app")
		if !ok {
			return []*Purchase{newPurchase(r.raw)}, nil
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, &MalformedFieldError{Field: "in_app", Value: raw, Cause: errFieldShape}
		}
		return purchasesFromList(list)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Purchase), nil
}

// LastInApp returns the most recently originated purchase: the in_app element
// with the greatest original_purchase_date_ms, document order breaking ties.
func (r *Receipt) LastInApp() (*Purchase, error) {
	purchases, err := r.InApp()
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, &MissingFieldError{Field: "in_app"}
	}
	sorted := make([]*Purchase, len(purchases))
	copy(sorted, purchases)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].originalPurchaseDateMS() < sorted[j].originalPurchaseDateMS()
	})
	return sorted[len(sorted)-1], nil
}

// SinglePurchase wraps the receipt's own fields as one purchase, the shape
// used by auto-renewable subscription flows regardless of receipt generation.
func (r *Receipt) SinglePurchase() *Purchase {
	return newPurchase(r.raw)
}

// BundleID returns the bundle identifier of the app the receipt belongs to.
func (r *Receipt) BundleID() (string, error) {
	v, err := r.Field("bundle_id")
	if err != nil {
		return "", err
	}
	return asString(v)
}

// ApplicationVersion returns the app version the receipt was created for.
func (r *Receipt) ApplicationVersion() (string, error) {
	v, err := r.Field("application_version")
	if err != nil {
		return "", err
	}
	return asString(v)
}

// ReceiptCreationDate returns when the App Store generated the receipt.
func (r *Receipt) ReceiptCreationDate() (time.Time, error) {
	v, err := r.Field("receipt_creation_date")
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// Purchase is one transaction record within a receipt.
type Purchase struct {
	*object
}

// InApp records are purchases; the name only marks their provenance in the
// receipt's in_app list.
type InApp = Purchase

func newPurchase(raw map[string]any) *Purchase {
	return &Purchase{object: newObject(raw, purchaseSchema)}
}

func purchasesFromList(list []any) ([]*Purchase, error) {
	purchases := make([]*Purchase, 0, len(list))
	for _, item := range list {
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, &MalformedFieldError{Field: "in_app", Value: item, Cause: errFieldShape}
		}
		purchases = append(purchases, newPurchase(doc))
	}
	return purchases, nil
}

// Equal reports raw-document equality. Two purchases decoded from identical
// sub-documents are equal regardless of which entity owns them.
func (p *Purchase) Equal(other *Purchase) bool {
	if p == nil || other == nil {
		return p == other
	}
	return reflect.DeepEqual(p.raw, other.raw)
}

func (p *Purchase) stringField(name string) (string, error) {
	v, err := p.Field(name)
	if err != nil {
		return "", err
	}
	return asString(v)
}

func (p *Purchase) intField(name string) (int64, error) {
	v, err := p.Field(name)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (p *Purchase) timeField(name string) (time.Time, error) {
	v, err := p.Field(name)
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (p *Purchase) ProductID() (string, error)     { return p.stringField("product_id") }
func (p *Purchase) TransactionID() (string, error) { return p.stringField("transaction_id") }

func (p *Purchase) OriginalTransactionID() (string, error) {
	return p.stringField("original_transaction_id")
}

func (p *Purchase) Quantity() (int64, error)           { return p.intField("quantity") }
func (p *Purchase) PurchaseDateMS() (int64, error)     { return p.intField("purchase_date_ms") }
func (p *Purchase) ExpiresDateMS() (int64, error)      { return p.intField("expires_date_ms") }
func (p *Purchase) CancellationDateMS() (int64, error) { return p.intField("cancellation_date_ms") }
func (p *Purchase) CancellationReason() (int64, error) { return p.intField("cancellation_reason") }

func (p *Purchase) OriginalPurchaseDateMS() (int64, error) {
	return p.intField("original_purchase_date_ms")
}

func (p *Purchase) PurchaseDate() (time.Time, error)     { return p.timeField("purchase_date") }
func (p *Purchase) CancellationDate() (time.Time, error) { return p.timeField("cancellation_date") }

func (p *Purchase) OriginalPurchaseDate() (time.Time, error) {
	return p.timeField("original_purchase_date")
}

// ExpiresDate prefers the explicitly formatted sibling carried by legacy
// receipts, whose expires_date holds raw epoch milliseconds instead.
func (p *Purchase) ExpiresDate() (time.Time, error) {
	if p.Has("expires_date_formatted") {
		return p.timeField("expires_date_formatted")
	}
	return p.timeField("expires_date")
}

// IsTrialPeriod reports whether the purchase is inside a free trial.
func (p *Purchase) IsTrialPeriod() (bool, error) {
	v, err := p.Field("is_trial_period")
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// originalPurchaseDateMS is the sort key for LastInApp. A purchase without
// the field sorts first.
func (p *Purchase) originalPurchaseDateMS() int64 {
	ms, err := p.OriginalPurchaseDateMS()
	if err != nil {
		return -1
	}
	return ms
}

// PendingRenewalInfo describes the pending auto-renewal state of one
// subscription product.
type PendingRenewalInfo struct {
	*object
}

func (i *PendingRenewalInfo) intField(name string) (int64, error) {
	v, err := i.Field(name)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// ExpirationIntent returns why a lapsed subscription expired, one of the
// ExpirationIntent constants.
func (i *PendingRenewalInfo) ExpirationIntent() (int64, error) {
	return i.intField("expiration_intent")
}

func (i *PendingRenewalInfo) AutoRenewStatus() (int64, error) {
	return i.intField("auto_renew_status")
}

func (i *PendingRenewalInfo) IsInBillingRetryPeriod() (int64, error) {
	return i.intField("is_in_billing_retry_period")
}

func (i *PendingRenewalInfo) AutoRenewProductID() (string, error) {
	v, err := i.Field("auto_renew_product_id")
	if err != nil {
		return "", err
	}
	return asString(v)
}
