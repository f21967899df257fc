// Package database provides the SQLite store of ghome-fhem.
//
// One database file holds the reading history written by the device
// package's HistoryRecorder and the command audit trail of the audit
// package. Neither is read back into the attribute cache on start.
//
// Schema changes are file pairs named YYYYMMDD_HHMMSS_name.up.sql and
// .down.sql, read from any fs.FS (the migrations package embeds them):
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
