// Package figure models plotly.js figure documents. The API returns these as
// JSON and any plotly front end can draw them with Plotly.newPlot.
package figure
