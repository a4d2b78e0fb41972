// Package mysql provides the persistent stores backed by MySQL.
// It encapsulates schema migrations, the access token table, the model
// catalog and the usage ledger used for quota accounting.
package mysql
