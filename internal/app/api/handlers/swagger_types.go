package handlers

import (
	"github.com/fatflowers/vpnbilling/internal/app/service/checkout"
	"github.com/fatflowers/vpnbilling/internal/app/service/ledger"
	"github.com/fatflowers/vpnbilling/internal/app/service/reconcile"
	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/pkg/response"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

// Envelope types for swagger; handlers build them with response.OKT.

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

type RespPlans struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []types.Plan             `json:"data"`
}

type RespPlan struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.Plan               `json:"data"`
}

type RespSubscriber struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.SubscriberInfo     `json:"data"`
}

type RespAutoRenew struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.AutoRenewInfo      `json:"data"`
}

type RespTermsAccepted struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    TermsAccepted            `json:"data"`
}

type RespPayment struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    checkout.PaymentResult   `json:"data"`
}

type RespTransaction struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Transaction       `json:"data"`
}

type RespTransactions struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.Transaction     `json:"data"`
}

type RespListTransactions struct {
	Code    response.APIResponseCode        `json:"code"`
	Message string                          `json:"message"`
	Data    ledger.ScanTransactionsResponse `json:"data"`
}

type RespStats struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    StatsResponse            `json:"data"`
}

type RespGaps struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.ProvisioningGap `json:"data"`
}

type RespGap struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.ProvisioningGap   `json:"data"`
}

type RespJobReport struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    struct {
		Report reconcile.JobReport `json:"report"`
		Errors []string            `json:"errors"`
	} `json:"data"`
}

type RespSubscriberLogs struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.SubscriberLog   `json:"data"`
}
