// Package research defines the task model, scrape result types, failure
// taxonomy and collaborator interfaces shared by the scraping engine.
package research
