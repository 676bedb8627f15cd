// Package app provides the application composition layer for the ledger.
//
// # Architecture Role
//
// The app package composes the domain services into a running application.
// It is NOT a business logic layer - business logic lives in the service
// packages under internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Main application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── ledger/         # Entries, kinds, balances, amount arithmetic
//	│   ├── user/           # Accounts, balances, capabilities, levels
//	│   ├── panel/          # Virtual panels and their lifecycle
//	│   ├── referral/       # Invitation edges and milestone latches
//	│   ├── withdrawal/     # Payout requests and the status machine
//	│   ├── rank/           # Leaderboard snapshots
//	│   └── job/            # Scheduled-job bookkeeping
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (UserStore, LedgerStore, ...)
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic (wallet, panels, accrual, ...)
//	├── httpapi/            # HTTP API handlers and rate limiting
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services from internal/app/services/ with their dependencies
//   - Defining storage interfaces that services depend on
//   - Providing domain models shared across services
//   - Exposing HTTP API endpoints for external access
//   - Managing application-level concerns (metrics, lifecycle, audit)
//
// # Dependency Direction
//
//	cmd/ledgerd/
//	      │
//	      ▼
//	internal/app/runtime/ (process wiring)
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │
//	      └──► internal/app/storage/ (persistence)
//
// # Example: Adding a New Domain
//
// When adding a new domain (e.g., "rewards"):
//
//  1. Create domain models in internal/app/domain/rewards/
//  2. Add a storage interface to internal/app/storage/interfaces.go
//  3. Implement storage in internal/app/storage/postgres/ and memory/
//  4. Create the service in internal/app/services/rewards/service.go
//  5. Wire the service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/handler.go
package app
