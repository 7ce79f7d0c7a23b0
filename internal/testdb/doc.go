// Package testdb provides PostgreSQL helpers for integration tests.
//
// Tests that need a real database call GetTestDBWithT, which skips the test
// unless DATABASE_URL (or RUNQ_TEST_DB_URL) is set, applies the schema
// migrations and registers cleanup. The task store coordinates through row
// locks across its own transactions, so isolation comes from truncating the
// tables between tests rather than from wrapping each test in a transaction:
//
//	func TestClaimAcrossProcesses(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.ResetTables(t, db)
//	    s := postgres.NewTaskStore(db, nil)
//	    ...
//	}
package testdb
