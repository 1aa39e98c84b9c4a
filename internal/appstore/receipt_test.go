package appstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeDocument(t *testing.T, data string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	return doc
}

const ios7ResponseJSON = `{
	"status": 0,
	"receipt": {
		"original_purchase_date_pst": "2013-01-01 00:00:00 America/Los_Angeles",
		"version_external_identifier": 0,
		"original_purchase_date": "2013-01-01 07:00:00 Etc/GMT",
		"in_app": [
			{
				"is_trial_period": "false",
				"product_id": "org.example.product",
				"original_transaction_id": "1000000155715958",
				"original_purchase_date": "2013-05-19 02:29:45 Etc/GMT",
				"original_purchase_date_ms": "1432002585000",
				"purchase_date": "2013-05-19 03:21:09 Etc/GMT",
				"purchase_date_ms": "1432005669000",
				"transaction_id": "1000000155715958",
				"quantity": "1"
			},
			{
				"is_trial_period": "false",
				"product_id": "org.example.product",
				"original_transaction_id": "1000000155718067",
				"original_purchase_date": "2013-05-19 02:37:10 Etc/GMT",
				"original_purchase_date_ms": "1432003030000",
				"purchase_date": "2013-05-19 03:21:09 Etc/GMT",
				"purchase_date_ms": "1432005669000",
				"transaction_id": "1000000155718067",
				"quantity": "1"
			}
		]
	}
}`

const ios6ResponseJSON = `{
	"status": 0,
	"receipt": {
		"purchase_date_pst": "2013-01-01 00:00:00 America/Los_Angeles",
		"product_id": "TestProduction1",
		"original_transaction_id": "1000000012345678",
		"unique_identifier": "bcbdb3d45543920dd9sd5c79a72948001fc22a39",
		"original_purchase_date": "2013-01-01 00:00:00 Etc/GMT",
		"bvrs": "1.0",
		"original_purchase_date_ms": "1348200000000",
		"purchase_date": "2013-01-01 00:00:00 Etc/GMT",
		"item_id": "500000000",
		"purchase_date_ms": "134820000000",
		"bid": "org.example.app",
		"transaction_id": "1000000012345678",
		"quantity": "1"
	}
}`

const autoRenewResponseJSON = `{
	"status": 0,
	"environment": "Sandbox",
	"latest_receipt": "bGF0ZXN0LXJlY2VpcHQtYmxvYg==",
	"receipt": {
		"receipt_type": "ProductionSandbox",
		"bundle_id": "com.example.app",
		"application_version": "8",
		"app_item_id": 0,
		"version_external_identifier": 0,
		"receipt_creation_date": "2017-07-25 09:01:20 Etc/GMT",
		"receipt_creation_date_ms": "1500973280000",
		"request_date": "2017-07-27 09:51:59 Etc/GMT",
		"request_date_ms": "1501149119587",
		"original_purchase_date": "2013-08-01 07:00:00 Etc/GMT",
		"original_purchase_date_ms": "1375340400000",
		"original_application_version": "1.0",
		"in_app": [
			{
				"quantity": "1",
				"product_id": "testproduct",
				"transaction_id": "1000000318407192",
				"original_transaction_id": "1000000318012065",
				"purchase_date": "2017-07-25 09:01:19 Etc/GMT",
				"purchase_date_ms": "1500973279000",
				"original_purchase_date": "2017-07-24 08:13:25 Etc/GMT",
				"original_purchase_date_ms": "1500884005000",
				"expires_date": "2017-07-25 09:06:19 Etc/GMT",
				"expires_date_ms": "1500973579000",
				"web_order_line_item_id": "1000000035713887",
				"is_trial_period": "false"
			}
		]
	},
	"latest_receipt_info": [
		{
			"quantity": "1",
			"product_id": "testproduct",
			"transaction_id": "1000000318407192",
			"original_transaction_id": "1000000318012065",
			"purchase_date": "2017-07-25 09:01:19 Etc/GMT",
			"purchase_date_ms": "1500973279000",
			"original_purchase_date": "2017-07-24 08:13:25 Etc/GMT",
			"original_purchase_date_ms": "1500884005000",
			"expires_date": "2017-07-25 09:06:19 Etc/GMT",
			"expires_date_ms": "1500973579000",
			"web_order_line_item_id": "1000000035713887",
			"is_trial_period": "false"
		},
		{
			"quantity": "1",
			"product_id": "testproduct",
			"transaction_id": "1000000318420598",
			"original_transaction_id": "1000000318012065",
			"purchase_date": "2017-07-25 09:28:30 Etc/GMT",
			"purchase_date_ms": "1500974910000",
			"original_purchase_date": "2017-07-24 08:13:25 Etc/GMT",
			"original_purchase_date_ms": "1500884005000",
			"expires_date": "2017-07-25 09:33:30 Etc/GMT",
			"expires_date_ms": "1500975210000",
			"web_order_line_item_id": "1000000035725368",
			"is_trial_period": "false"
		}
	],
	"pending_renewal_info": [
		{
			"expiration_intent": "1",
			"auto_renew_product_id": "testproduct",
			"original_transaction_id": "1000000318012065",
			"is_in_billing_retry_period": "0",
			"product_id": "testproduct",
			"auto_renew_status": "0"
		}
	]
}`

const autoRenewLegacyResponseJSON = `{
	"status": 0,
	"latest_receipt": "bGVnYWN5LWxhdGVzdC1yZWNlaXB0",
	"receipt": {
		"quantity": "1",
		"product_id": "com.example.autorenewable",
		"transaction_id": "1000000056775123",
		"original_transaction_id": "1000000056161764",
		"purchase_date": "2012-11-02 01:31:38 Etc/GMT",
		"purchase_date_ms": "1351819898000",
		"original_purchase_date": "2012-09-21 01:31:38 Etc/GMT",
		"original_purchase_date_ms": "1348191098000",
		"expires_date": "1354412498000",
		"expires_date_formatted": "2012-12-02 01:41:38 Etc/GMT",
		"web_order_line_item_id": "1000000026553800",
		"unique_identifier": "42c1b3d45563820dd9a59c79a75641001fc85e39",
		"bid": "com.example.app",
		"bvrs": "1.0"
	},
	"latest_receipt_info": {
		"quantity": "1",
		"product_id": "com.example.autorenewable",
		"transaction_id": "1000000056775123",
		"original_transaction_id": "1000000056161764",
		"purchase_date": "2012-11-02 01:31:38 Etc/GMT",
		"purchase_date_ms": "1351819898000",
		"original_purchase_date": "2012-09-21 01:31:38 Etc/GMT",
		"original_purchase_date_ms": "1348191098000",
		"expires_date": "1354412498000",
		"expires_date_formatted": "2012-12-02 01:41:38 Etc/GMT",
		"web_order_line_item_id": "1000000026553800",
		"unique_identifier": "42c1b3d45563820dd9a59c79a75641001fc85e39",
		"bid": "com.example.app",
		"bvrs": "1.0"
	}
}`

func TestReceiptInAppPreservesListShape(t *testing.T) {
	captureWarnings(t)
	doc := decodeDocument(t, ios7ResponseJSON)
	resp := NewResponse(doc)

	receipt, err := resp.Receipt()
	require.NoError(t, err)
	inApp, err := receipt.InApp()
	require.NoError(t, err)

	rawList := doc["receipt"].(map[string]any)["in_app"].([]any)
	require.Len(t, inApp, len(rawList))
	for i, p := range inApp {
		require.Equal(t, rawList[i], p.RawDocument())
	}

	first := inApp[0]
	productID, err := first.ProductID()
	require.NoError(t, err)
	require.Equal(t, "org.example.product", productID)

	quantity, err := first.Quantity()
	require.NoError(t, err)
	require.Equal(t, int64(1), quantity)

	trial, err := first.IsTrialPeriod()
	require.NoError(t, err)
	require.False(t, trial)

	ms, err := first.OriginalPurchaseDateMS()
	require.NoError(t, err)
	require.Equal(t, int64(1432002585000), ms)

	purchaseDate, err := first.PurchaseDate()
	require.NoError(t, err)
	require.True(t, purchaseDate.Equal(time.Date(2013, 5, 19, 3, 21, 9, 0, time.UTC)))

	raw, err := first.Raw("purchase_date")
	require.NoError(t, err)
	require.Equal(t, "2013-05-19 03:21:09 Etc/GMT", raw)
	indexed, ok := first.Value("purchase_date")
	require.True(t, ok)
	require.Equal(t, raw, indexed)
}

func TestReceiptWithoutInAppWrapsItself(t *testing.T) {
	captureWarnings(t)
	doc := decodeDocument(t, ios6ResponseJSON)
	resp := NewResponse(doc)

	receipt, err := resp.Receipt()
	require.NoError(t, err)
	inApp, err := receipt.InApp()
	require.NoError(t, err)
	require.Len(t, inApp, 1)
	require.Equal(t, doc["receipt"], inApp[0].RawDocument())

	last, err := receipt.LastInApp()
	require.NoError(t, err)

	productID, err := last.ProductID()
	require.NoError(t, err)
	require.Equal(t, "TestProduction1", productID)

	quantity, err := last.Quantity()
	require.NoError(t, err)
	require.Equal(t, int64(1), quantity)

	unique, err := last.Raw("unique_identifier")
	require.NoError(t, err)
	require.Equal(t, "bcbdb3d45543920dd9sd5c79a72948001fc22a39", unique)
}

func TestLastInAppPicksGreatestOriginalPurchaseDate(t *testing.T) {
	captureWarnings(t)
	doc := decodeDocument(t, ios7ResponseJSON)
	resp := NewResponse(doc)

	receipt, err := resp.Receipt()
	require.NoError(t, err)
	last, err := receipt.LastInApp()
	require.NoError(t, err)
	id, err := last.OriginalTransactionID()
	require.NoError(t, err)
	require.Equal(t, "1000000155718067", id)

	// The same transactions in reverse document order still elect the one
	// with the larger original_purchase_date_ms.
	reversed := decodeDocument(t, ios7ResponseJSON)
	inApp := reversed["receipt"].(map[string]any)["in_app"].([]any)
	inApp[0], inApp[1] = inApp[1], inApp[0]

	receipt, err = NewResponse(reversed).Receipt()
	require.NoError(t, err)
	last, err = receipt.LastInApp()
	require.NoError(t, err)
	id, err = last.OriginalTransactionID()
	require.NoError(t, err)
	require.Equal(t, "1000000155718067", id)
}

func TestLastInAppEndToEnd(t *testing.T) {
	captureWarnings(t)
	doc := decodeDocument(t, `{
		"status": 0,
		"receipt": {
			"in_app": [
				{"product_id": "p1", "quantity": "1", "original_transaction_id": "t1", "original_purchase_date_ms": "100"},
				{"product_id": "p2", "quantity": "2", "original_transaction_id": "t2", "original_purchase_date_ms": "200"}
			]
		}
	}`)

	receipt, err := NewResponse(doc).Receipt()
	require.NoError(t, err)
	last, err := receipt.LastInApp()
	require.NoError(t, err)

	productID, err := last.ProductID()
	require.NoError(t, err)
	require.Equal(t, "p2", productID)

	quantity, err := last.Quantity()
	require.NoError(t, err)
	require.Equal(t, int64(2), quantity)
}

func TestResponseUnknownField(t *testing.T) {
	warnings := captureWarnings(t)
	resp := NewResponse(map[string]any{"status": float64(21007), "unknown": float64(0)})

	status, err := resp.Status()
	require.NoError(t, err)
	require.Equal(t, int64(21007), status)

	_, err = resp.Field("unknown")
	var notFound *FieldNotFoundError
	require.ErrorAs(t, err, &notFound)

	raw, err := resp.Raw("unknown")
	require.NoError(t, err)
	require.Equal(t, float64(0), raw)
	_, err = resp.Raw("unknown")
	require.NoError(t, err)
	require.Len(t, *warnings, 1)

	var missing *MissingFieldError
	_, err = resp.Field("latest_receipt")
	require.ErrorAs(t, err, &missing)
	_, err = resp.Receipt()
	require.ErrorAs(t, err, &missing)
	_, err = resp.LatestReceiptInfo()
	require.ErrorAs(t, err, &missing)
}

func TestAutoRenewResponse(t *testing.T) {
	captureWarnings(t)
	resp := NewResponse(decodeDocument(t, autoRenewResponseJSON))

	latest, err := resp.LatestReceipt()
	require.NoError(t, err)
	require.Equal(t, "bGF0ZXN0LXJlY2VpcHQtYmxvYg==", latest)

	receipt, err := resp.Receipt()
	require.NoError(t, err)

	bundleID, err := receipt.BundleID()
	require.NoError(t, err)
	require.Equal(t, "com.example.app", bundleID)

	version, err := receipt.ApplicationVersion()
	require.NoError(t, err)
	require.Equal(t, "8", version)

	appItemID, err := receipt.Field("app_item_id")
	require.NoError(t, err)
	require.Equal(t, int64(0), appItemID)

	created, err := receipt.ReceiptCreationDate()
	require.NoError(t, err)
	require.Equal(t, time.Date(2017, 7, 25, 9, 1, 20, 0, time.UTC), created.UTC())

	createdMS, err := receipt.Field("receipt_creation_date_ms")
	require.NoError(t, err)
	require.Equal(t, int64(1500973280000), createdMS)

	last, err := receipt.LastInApp()
	require.NoError(t, err)
	transactionID, err := last.TransactionID()
	require.NoError(t, err)
	require.Equal(t, "1000000318407192", transactionID)

	expires, err := last.ExpiresDate()
	require.NoError(t, err)
	require.Equal(t, time.Date(2017, 7, 25, 9, 6, 19, 0, time.UTC), expires.UTC())

	info, err := resp.LatestReceiptInfo()
	require.NoError(t, err)
	require.Len(t, info, 2)

	purchase := info[len(info)-1]
	transactionID, err = purchase.TransactionID()
	require.NoError(t, err)
	require.Equal(t, "1000000318420598", transactionID)
	expiresMS, err := purchase.ExpiresDateMS()
	require.NoError(t, err)
	require.Equal(t, int64(1500975210000), expiresMS)

	// in_app is a prefix of latest_receipt_info for this receipt.
	inApp, err := receipt.InApp()
	require.NoError(t, err)
	require.Len(t, inApp, 1)
	require.True(t, inApp[0].Equal(info[0]))

	pending, err := resp.PendingRenewalInfo()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	intent, err := pending[0].ExpirationIntent()
	require.NoError(t, err)
	require.Equal(t, int64(ExpirationIntentCanceled), intent)

	autoRenew, err := pending[0].AutoRenewStatus()
	require.NoError(t, err)
	require.Equal(t, int64(0), autoRenew)

	retry, err := pending[0].IsInBillingRetryPeriod()
	require.NoError(t, err)
	require.Equal(t, int64(0), retry)

	productID, err := pending[0].AutoRenewProductID()
	require.NoError(t, err)
	require.Equal(t, "testproduct", productID)
}

func TestAutoRenewLegacyResponse(t *testing.T) {
	captureWarnings(t)
	resp := NewResponse(decodeDocument(t, autoRenewLegacyResponseJSON))

	receipt, err := resp.Receipt()
	require.NoError(t, err)
	single := receipt.SinglePurchase()

	info, err := resp.LatestReceiptInfo()
	require.NoError(t, err)
	require.Len(t, info, 1)
	require.True(t, single.Equal(info[0]))

	// The bare expires_date of this generation is epoch milliseconds; the
	// string parser must reject it while ExpiresDate prefers the formatted
	// sibling.
	rawExpires, ok := single.Value("expires_date")
	require.True(t, ok)
	_, err = parseReceiptDate(rawExpires.(string))
	require.Error(t, err)

	expires, err := single.ExpiresDate()
	require.NoError(t, err)
	require.Equal(t, time.Date(2012, 12, 2, 1, 41, 38, 0, time.UTC), expires.UTC())
	require.True(t, expires.Equal(msToTime(1354412498000)))

	quantity, err := single.Quantity()
	require.NoError(t, err)
	require.Equal(t, int64(1), quantity)

	purchaseDate, err := single.PurchaseDate()
	require.NoError(t, err)
	require.False(t, purchaseDate.IsZero())
}

func TestPurchaseMissingExpiresDate(t *testing.T) {
	captureWarnings(t)
	receipt, err := NewResponse(decodeDocument(t, ios7ResponseJSON)).Receipt()
	require.NoError(t, err)
	inApp, err := receipt.InApp()
	require.NoError(t, err)

	_, err = inApp[0].ExpiresDate()
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.ErrorIs(t, err, ErrFieldNotFound)
}

func TestPurchaseEquality(t *testing.T) {
	captureWarnings(t)
	a := newPurchase(map[string]any{"product_id": "p", "quantity": "1"})
	b := newPurchase(map[string]any{"product_id": "p", "quantity": "1"})
	c := newPurchase(map[string]any{"product_id": "q", "quantity": "1"})

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}
