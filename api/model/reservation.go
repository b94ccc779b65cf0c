/*
Copyright 2025 Inkwell Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"github.com/shopspring/decimal"
)

// CreateReservation is the request payload for placing a credit hold ahead of
// an AI generation request.
type CreateReservation struct {
	UserID        string  `json:"user_id"`
	EstimatedCost float64 `json:"estimated_cost"`
}

func (r *CreateReservation) Cost() decimal.Decimal {
	return decimal.NewFromFloat(r.EstimatedCost)
}

// CaptureReservation is the request payload for settling a hold at the cost
// actually consumed.
type CaptureReservation struct {
	ActualCost float64 `json:"actual_cost"`
}

func (r *CaptureReservation) Cost() decimal.Decimal {
	return decimal.NewFromFloat(r.ActualCost)
}

// CreateAccount is the request payload for provisioning a billing account for
// a newly signed-up user.
type CreateAccount struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// PublishDocument is the request payload for publishing a document to the CDN
// bucket with a version snapshot.
type PublishDocument struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
}
