package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1500.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseSTKCallbackSuccess(t *testing.T) {
	cb, err := ParseSTKCallback([]byte(successCallback))
	require.NoError(t, err)
	assert.True(t, cb.Succeeded())
	assert.Equal(t, int64(1500), cb.Amount())
	assert.Equal(t, "NLJ7RT61SV", cb.Receipt())
	assert.Equal(t, "254708374149", cb.PhoneNumber())
	assert.Equal(t, "20191219102115", cb.TransactionDate())
}

func TestParseSTKCallbackCancelled(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	cb, err := ParseSTKCallback([]byte(raw))
	require.NoError(t, err)
	assert.False(t, cb.Succeeded())
	assert.Zero(t, cb.Amount())
	assert.Empty(t, cb.Receipt())
}

func TestParseSTKCallbackRejectsMalformed(t *testing.T) {
	_, err := ParseSTKCallback([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseSTKCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseC2BPayment(t *testing.T) {
	raw := `{"TransactionType":"Pay Bill","TransID":"RKTQDM7W6S","TransTime":"20191122063845","TransAmount":"2500.00","BusinessShortCode":"600638","BillRefNumber":" ORD-1001 ","MSISDN":"254708374149","FirstName":"John"}`
	p, err := ParseC2BPayment([]byte(raw), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), p.Amount())
	assert.Equal(t, "ORD-1001", p.Reference())

	_, err = ParseC2BPayment([]byte(`{"TransAmount":"10"}`), true)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	p, err = ParseC2BPayment([]byte(`{"TransAmount":"10","AccountReference":"ORD-7"}`), false)
	require.NoError(t, err)
	assert.Equal(t, "ORD-7", p.Reference())

	_, err = ParseC2BPayment([]byte(`{"TransID":"X","TransAmount":"-5"}`), true)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
