// Package appstore verifies App Store purchase receipts against Apple's
// validation endpoints and exposes the decoded response documents through
// lazy, schema-aware entities.
package appstore
